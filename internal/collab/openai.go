package collab

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	appErr "github.com/launchbay/engine/pkg/errors"
	"github.com/launchbay/engine/pkg/logger"
	"github.com/sashabaranov/go-openai"
	"go.uber.org/zap"
)

const repairSystemPrompt = `You are an automated build-repair assistant for a container deployment platform.
You receive build or runtime failure diagnostics plus the current build-time files.
Respond with a single JSON object:
{"explanation": "<diagnosis>", "fileChanges": [{"path": "...", "content": "<full new file content>"}], "needsManualFix": false}
Set needsManualFix to true and leave fileChanges empty when no automatic fix is possible.
Do not repeat an approach a prior attempt already tried.`

// OpenAIModel implements ModelClient over the OpenAI chat completions API.
type OpenAIModel struct {
	client *openai.Client
	model  string
}

func NewOpenAIModel(apiKey, model string) *OpenAIModel {
	if model == "" {
		model = openai.GPT4o
	}
	return &OpenAIModel{client: openai.NewClient(apiKey), model: model}
}

func (m *OpenAIModel) ProposeFix(ctx context.Context, rc RepairContext) (*RepairProposal, error) {
	resp, err := m.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: m.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: repairSystemPrompt},
			{Role: openai.ChatMessageRoleUser, Content: buildRepairPrompt(rc)},
		},
		ResponseFormat: &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		},
	})
	if err != nil {
		return nil, appErr.Wrap(err, appErr.CodeUnavailable, "model completion failed")
	}
	if len(resp.Choices) == 0 {
		return nil, appErr.New(appErr.CodeUnavailable, "model returned no choices")
	}

	var proposal RepairProposal
	content := resp.Choices[0].Message.Content
	if err := json.Unmarshal([]byte(extractJSON(content)), &proposal); err != nil {
		logger.L().Warn("model returned unparseable proposal", zap.Error(err))
		return nil, appErr.Wrap(err, appErr.CodeInvalid, "parse model proposal failed")
	}
	proposal.TokensUsed = resp.Usage.TotalTokens
	return &proposal, nil
}

func (m *OpenAIModel) Summarize(ctx context.Context, rc RepairContext) (string, error) {
	prompt := fmt.Sprintf(
		"Automatic repair of service %q exhausted all attempts. Summarize in a few sentences, for a developer, why the build kept failing and what to try manually.\n\n%s",
		rc.ServiceName, buildRepairPrompt(rc))
	resp, err := m.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: m.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleUser, Content: prompt},
		},
	})
	if err != nil {
		return "", appErr.Wrap(err, appErr.CodeUnavailable, "model summary failed")
	}
	if len(resp.Choices) == 0 {
		return "", appErr.New(appErr.CodeUnavailable, "model returned no choices")
	}
	return strings.TrimSpace(resp.Choices[0].Message.Content), nil
}

func buildRepairPrompt(rc RepairContext) string {
	var b strings.Builder

	fmt.Fprintf(&b, "## Failure Phase\n%s\n\n", rc.Phase)
	fmt.Fprintf(&b, "## Service\n%s\n\n", rc.ServiceName)

	if rc.BuildLogs != "" {
		fmt.Fprintf(&b, "## Build Logs\n```\n%s\n```\n\n", tail(rc.BuildLogs, 6000))
	}
	if rc.PodLogs != "" {
		fmt.Fprintf(&b, "## Pod Logs\n```\n%s\n```\n\n", tail(rc.PodLogs, 4000))
	}
	if rc.PodState != "" {
		fmt.Fprintf(&b, "## Pod State\n%s\n\n", rc.PodState)
	}
	if len(rc.ClusterEvents) > 0 {
		b.WriteString("## Cluster Events\n")
		for _, e := range rc.ClusterEvents {
			fmt.Fprintf(&b, "- %s\n", e)
		}
		b.WriteString("\n")
	}
	if rc.WorkloadSpec != "" {
		fmt.Fprintf(&b, "## Workload Spec\n```\n%s\n```\n\n", rc.WorkloadSpec)
	}
	if len(rc.Files) > 0 {
		b.WriteString("## Current Build Files\n")
		for path, content := range rc.Files {
			fmt.Fprintf(&b, "### %s\n```\n%s\n```\n", path, content)
		}
		b.WriteString("\n")
	}
	if len(rc.PriorAttempts) > 0 {
		b.WriteString("## Prior Attempts (do not repeat)\n")
		for _, a := range rc.PriorAttempts {
			fmt.Fprintf(&b, "### Attempt %d\n%s\nChanged: %s\n", a.Number, a.Explanation, strings.Join(a.ChangedPaths, ", "))
			if a.BuildLogTail != "" {
				fmt.Fprintf(&b, "Result:\n```\n%s\n```\n", a.BuildLogTail)
			}
		}
	}
	return b.String()
}

// extractJSON strips markdown code fences some models wrap around JSON.
func extractJSON(s string) string {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "```") {
		s = strings.TrimPrefix(s, "```json")
		s = strings.TrimPrefix(s, "```")
		if i := strings.LastIndex(s, "```"); i >= 0 {
			s = s[:i]
		}
	}
	return strings.TrimSpace(s)
}

func tail(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}
