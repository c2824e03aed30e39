// Package collab holds the contracts for external collaborators the engine
// consumes: the source-repository API, the repair model, the credential
// store, and outbound notification delivery. The engine depends on these
// interfaces only; implementations live alongside for the default wiring.
package collab

import "context"

// FileChange is one proposed file replacement (path -> full new content).
type FileChange struct {
	Path    string `json:"path"`
	Content string `json:"content"`
}

// RepairProposal is the model's answer to one repair attempt.
type RepairProposal struct {
	Explanation    string       `json:"explanation"`
	FileChanges    []FileChange `json:"fileChanges"`
	NeedsManualFix bool         `json:"needsManualFix"`
	TokensUsed     int          `json:"tokensUsed"`
}

// AttemptSummary condenses a prior attempt so the model does not repeat a
// failed approach.
type AttemptSummary struct {
	Number       int
	Explanation  string
	ChangedPaths []string
	BuildLogTail string
}

// RepairContext is the structured diagnostic context handed to the model.
type RepairContext struct {
	Phase         string
	ServiceName   string
	BuildLogs     string
	PodLogs       string
	PodState      string
	WorkloadSpec  string
	ClusterEvents []string
	// Files are the service's current build-time files (path -> content).
	Files         map[string]string
	PriorAttempts []AttemptSummary
}

// ModelClient is the repair/diagnosis language-model collaborator.
type ModelClient interface {
	// ProposeFix returns a diagnosis and patch for the failure described by
	// rc. A proposal with NeedsManualFix or no file changes means no
	// automatic fix is possible.
	ProposeFix(ctx context.Context, rc RepairContext) (*RepairProposal, error)
	// Summarize produces the final human-readable explanation after a
	// session exhausts its attempts.
	Summarize(ctx context.Context, rc RepairContext) (string, error)
}

// RepoCoordinates are resolved clone coordinates for a short repo reference.
type RepoCoordinates struct {
	Owner         string
	Name          string
	CloneURL      string
	DefaultBranch string
}

// SourceClient is the source-repository API collaborator.
type SourceClient interface {
	ResolveRepo(ctx context.Context, ref string) (*RepoCoordinates, error)
	ListTree(ctx context.Context, owner, name, ref string) ([]string, error)
	FetchFile(ctx context.Context, owner, name, path, ref string) (string, error)
}

// CredentialStore encrypts and decrypts opaque secrets at rest. Decrypted
// values exist in memory only and are never persisted.
type CredentialStore interface {
	Encrypt(plaintext []byte) (string, error)
	Decrypt(ciphertext string) ([]byte, error)
}

// BuildCredentials are the decrypted secrets a build job needs.
type BuildCredentials struct {
	GitToken         string
	RegistryUser     string
	RegistryPassword string
}

// DeploymentNotice describes a completed pipeline run for delivery.
type DeploymentNotice struct {
	DeploymentID string
	ServiceID    string
	ServiceName  string
	Status       string
	ImageTag     string
	URL          string
}

// Notifier delivers completed-deployment notices. The engine invokes it
// fire-and-forget once per run and never depends on the result.
type Notifier interface {
	DeploymentCompleted(ctx context.Context, notice DeploymentNotice) error
}
