package collab

import (
	"context"

	"github.com/launchbay/engine/pkg/logger"
	"go.uber.org/zap"
)

// LogNotifier is the default Notifier: it records the notice and delegates
// actual delivery (email, webhooks) to the surrounding system.
type LogNotifier struct{}

func NewLogNotifier() *LogNotifier { return &LogNotifier{} }

func (n *LogNotifier) DeploymentCompleted(ctx context.Context, notice DeploymentNotice) error {
	logger.L().Info("deployment completed",
		zap.String("deployment_id", notice.DeploymentID),
		zap.String("service", notice.ServiceName),
		zap.String("status", notice.Status),
		zap.String("image_tag", notice.ImageTag),
		zap.String("url", notice.URL),
	)
	return nil
}
