// Package notify provides the status observer collaborator. Observers are
// fire-and-forget: the engine swallows and logs their failures, so no
// implementation here may block the orchestration path.
package notify

import (
	"fmt"

	"github.com/gen2brain/beeep"

	"github.com/reckoner/reckoner/pkg/logger"
	"github.com/reckoner/reckoner/pkg/types"
)

// Notifier observes calculation status changes
type Notifier interface {
	NotifyStatusChanged(entity types.Entity, status types.CalcStatus)
	NotifyDispatch(groupKey string, entityCount int)
	NotifyQueueStatus(active int, queued int)
}

// DesktopNotifier surfaces status changes as desktop notifications
type DesktopNotifier struct {
	enabled bool
	logger  logger.Logger
}

// Config represents notification configuration
type Config struct {
	Enabled bool
}

// NewDesktop creates a desktop notifier
func NewDesktop(config Config, log logger.Logger) *DesktopNotifier {
	return &DesktopNotifier{
		enabled: config.Enabled,
		logger:  log,
	}
}

// NotifyStatusChanged raises a desktop notification for terminal statuses
func (n *DesktopNotifier) NotifyStatusChanged(entity types.Entity, status types.CalcStatus) {
	if !n.enabled {
		return
	}

	var title string
	switch status {
	case types.StatusSuccess:
		title = "✅ Calculation Succeeded"
	case types.StatusError:
		title = "❌ Calculation Failed"
	case types.StatusAborted:
		title = "⏹ Calculation Aborted"
	default:
		// Progress transitions stay off the desktop.
		return
	}

	n.send(title, types.Describe(entity))
}

// NotifyDispatch reports a group handed to the transport
func (n *DesktopNotifier) NotifyDispatch(groupKey string, entityCount int) {
	// Dispatch events are log-only noise on the desktop.
}

// NotifyQueueStatus reports pool backlog when it grows significant
func (n *DesktopNotifier) NotifyQueueStatus(active int, queued int) {
	if !n.enabled || queued <= 5 {
		return
	}
	n.send("⏳ Calculation Queue", fmt.Sprintf("%d active, %d queued", active, queued))
}

func (n *DesktopNotifier) send(title, message string) {
	if err := beeep.Notify(title, message, ""); err != nil {
		n.logger.Debug("Failed to send notification",
			logger.WithField("title", title),
			logger.WithField("error", err))
	}
}

// LogNotifier writes status changes to the structured log. The default
// observer for headless deployments.
type LogNotifier struct {
	logger logger.Logger
}

// NewLog creates a log-only notifier
func NewLog(log logger.Logger) *LogNotifier {
	return &LogNotifier{logger: log}
}

func (n *LogNotifier) NotifyStatusChanged(entity types.Entity, status types.CalcStatus) {
	log := n.logger.WithEntity(types.Describe(entity))
	switch status {
	case types.StatusSuccess:
		log.Success("Calculation finished", logger.WithField("status", status))
	case types.StatusError:
		log.Error("Calculation failed", logger.WithField("status", status))
	default:
		log.Info("Calculation status changed", logger.WithField("status", status))
	}
}

func (n *LogNotifier) NotifyDispatch(groupKey string, entityCount int) {
	n.logger.Debug("Dispatched execution group",
		logger.WithField("group", groupKey),
		logger.WithField("entities", entityCount))
}

func (n *LogNotifier) NotifyQueueStatus(active int, queued int) {
	n.logger.Debug("Queue status",
		logger.WithField("active", active),
		logger.WithField("queued", queued))
}

var (
	_ Notifier = (*DesktopNotifier)(nil)
	_ Notifier = (*LogNotifier)(nil)
)
