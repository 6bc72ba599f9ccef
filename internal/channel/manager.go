// Package channel holds the user-facing adapters (Telegram, Discord,
// CLI) and the manager that routes bus traffic to them.
package channel

import (
	"context"
	"log/slog"
	"sync"

	"relaybot/internal/domain"
)

// Manager starts the registered adapters and pumps the outbound and
// approval-request queues to them. Inbound flows the other way: each
// adapter publishes straight to the bus.
type Manager struct {
	bus      domain.MessageBus
	logger   *slog.Logger
	channels map[string]domain.Channel
}

func NewManager(bus domain.MessageBus, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		bus:      bus,
		logger:   logger,
		channels: make(map[string]domain.Channel),
	}
}

func (m *Manager) Register(ch domain.Channel) {
	m.channels[ch.Name()] = ch
}

// Channel returns the adapter registered under name, or nil.
func (m *Manager) Channel(name string) domain.Channel {
	return m.channels[name]
}

// Supports reports whether the named channel can render approvals.
func (m *Manager) Supports(name string) bool {
	ch := m.channels[name]
	return ch != nil && ch.SupportsApproval()
}

// Run starts every adapter plus the two dispatch loops and blocks until
// ctx is cancelled and everything has wound down.
func (m *Manager) Run(ctx context.Context) error {
	var wg sync.WaitGroup

	for name, ch := range m.channels {
		wg.Add(1)
		go func(name string, ch domain.Channel) {
			defer wg.Done()
			if err := ch.Start(ctx, m.bus); err != nil {
				m.logger.Error("channel stopped with error", "channel", name, "error", err)
			}
		}(name, ch)
	}

	wg.Add(2)
	go func() {
		defer wg.Done()
		m.dispatchOutbound(ctx)
	}()
	go func() {
		defer wg.Done()
		m.dispatchApprovals(ctx)
	}()

	wg.Wait()
	return nil
}

func (m *Manager) dispatchOutbound(ctx context.Context) {
	for {
		msg, err := m.bus.ConsumeOutbound(ctx)
		if err != nil {
			return
		}
		ch := m.channels[msg.Channel]
		if ch == nil {
			m.logger.Warn("outbound message for unknown channel", "channel", msg.Channel)
			continue
		}
		if err := ch.Deliver(ctx, msg); err != nil {
			m.logger.Error("deliver failed",
				"channel", msg.Channel,
				"chat_id", msg.ChatID,
				"error", err,
			)
		}
	}
}

func (m *Manager) dispatchApprovals(ctx context.Context) {
	for {
		req, err := m.bus.ConsumeApprovalRequest(ctx)
		if err != nil {
			return
		}
		ch := m.channels[req.Channel]
		if ch == nil || !ch.SupportsApproval() {
			// The orchestrator checks capability before publishing, so this
			// indicates a misrouted request. Deny so the waiter is not left
			// hanging for the full timeout.
			m.logger.Warn("approval request for non-approving channel", "channel", req.Channel)
			m.bus.PublishApprovalResult(domain.ApprovalResult{
				RequestID: req.ID,
				Decision:  domain.DecisionDeny,
			})
			continue
		}
		if err := ch.AskApproval(ctx, req); err != nil {
			m.logger.Error("approval prompt failed",
				"channel", req.Channel,
				"request_id", req.ID,
				"error", err,
			)
			m.bus.PublishApprovalResult(domain.ApprovalResult{
				RequestID: req.ID,
				Decision:  domain.DecisionDeny,
			})
		}
	}
}
