// Package lifecycle implements the agent's connection lifecycle manager
// (spec §4.6): startup crash detection, the reconnect-before-connect
// handshake, the heartbeat emitter, and exponential-backoff reconnection.
// It is the WebSocket-client generalization of the teacher's
// connection.Manager — same dial/register/run-loops/backoff shape, built
// on the JSON tagged-union protocol this spec mandates instead of gRPC,
// with the jitter term dropped since spec §4.6 says "no jitter required".
package lifecycle

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/ProductionsAutrementDit/HydraTranscode/internal/agent/checkpoint"
	"github.com/ProductionsAutrementDit/HydraTranscode/internal/agent/executor"
	"github.com/ProductionsAutrementDit/HydraTranscode/internal/agent/hostmetrics"
	"github.com/ProductionsAutrementDit/HydraTranscode/internal/protocol"
	"github.com/ProductionsAutrementDit/HydraTranscode/internal/registry"
)

const (
	backoffInitial = 1 * time.Second
	backoffMax     = 30 * time.Second
	backoffFactor  = 2.0

	// heartbeatInterval matches spec §4.3's 30s agent heartbeat cadence.
	heartbeatInterval = 30 * time.Second
)

// Config holds the parameters needed to connect to the orchestrator.
type Config struct {
	AgentID         string
	OrchestratorURL string
	Capabilities    registry.Capabilities
}

// Manager maintains the persistent WebSocket connection to the
// orchestrator and implements executor.Reporter so the executor can call
// back into it without knowing about the transport.
type Manager struct {
	cfg         Config
	exec        *executor.Executor
	checkpoints *checkpoint.Store
	logger      *zap.Logger

	mu      sync.RWMutex
	conn    *websocket.Conn
	writeMu sync.Mutex
}

// New creates a Manager. Call Run to start the connection loop.
func New(cfg Config, exec *executor.Executor, checkpoints *checkpoint.Store, logger *zap.Logger) *Manager {
	return &Manager{
		cfg:         cfg,
		exec:        exec,
		checkpoints: checkpoints,
		logger:      logger.Named("lifecycle"),
	}
}

// Run performs the spec §4.6 startup sequence once — reading the local
// checkpoint to detect a crashed task — then starts the connect loop,
// reconnecting with exponential backoff on any transport failure. Blocks
// until ctx is cancelled.
func (m *Manager) Run(ctx context.Context) {
	crashedTaskID, crashed, err := m.checkpoints.CrashedTask()
	if err != nil {
		m.logger.Warn("failed to read checkpoint at startup", zap.Error(err))
	}
	if crashed {
		m.logger.Warn("detected crashed task from previous process", zap.String("task_id", crashedTaskID))
	}

	backoff := backoffInitial
	firstSession := true

	for {
		if ctx.Err() != nil {
			m.logger.Info("lifecycle manager stopped")
			return
		}

		m.logger.Info("connecting to orchestrator", zap.String("url", m.cfg.OrchestratorURL))

		pendingCrash := ""
		if firstSession && crashed {
			pendingCrash = crashedTaskID
		}

		if err := m.connect(ctx, pendingCrash); err != nil {
			m.logger.Warn("connection failed, retrying",
				zap.Error(err),
				zap.Duration("backoff", backoff),
			)
			select {
			case <-ctx.Done():
				return
			case <-time.After(backoff):
			}
			backoff = nextBackoff(backoff)
			continue
		}

		firstSession = false
		backoff = backoffInitial
	}
}

// connect dials one WebSocket session: handshake → heartbeat + read loops.
// Returns when the session ends.
func (m *Manager) connect(ctx context.Context, pendingCrash string) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, m.cfg.OrchestratorURL, nil)
	if err != nil {
		return fmt.Errorf("dial failed: %w", err)
	}
	defer conn.Close()

	m.mu.Lock()
	m.conn = conn
	m.mu.Unlock()

	if err := m.handshake(pendingCrash); err != nil {
		return err
	}

	errCh := make(chan error, 2)
	go func() { errCh <- m.heartbeatLoop(ctx) }()
	go func() { errCh <- m.readLoop(ctx) }()

	err = <-errCh
	if ctx.Err() != nil {
		return nil
	}
	return err
}

// handshake sends the first frame(s) on a new connection. Per spec §4.6
// step 2 and the §9 open-question decision recorded in SPEC_FULL.md, a
// crash report is sent as "reconnect" BEFORE "connect" — not after. A task
// that survived this process's own transport loss (the process never
// crashed, only the socket dropped) rebinds the same way with
// status="running" instead of "failed".
func (m *Manager) handshake(pendingCrash string) error {
	switch {
	case pendingCrash != "":
		if err := m.sendFrame(protocol.AgentMessage{
			Type:    protocol.AgentReconnect,
			AgentID: m.cfg.AgentID,
			TaskID:  pendingCrash,
			Data: protocol.AgentData{
				Status: "failed",
				Error:  "Agent crashed during execution",
			},
		}); err != nil {
			return fmt.Errorf("reconnect(failed) frame: %w", err)
		}
		if err := m.checkpoints.Clear(); err != nil {
			m.logger.Warn("failed to clear checkpoint after crash report", zap.Error(err))
		}
	default:
		if taskID, ok := m.exec.Current(); ok {
			if err := m.sendFrame(protocol.AgentMessage{
				Type:    protocol.AgentReconnect,
				AgentID: m.cfg.AgentID,
				TaskID:  taskID,
				Data:    protocol.AgentData{Status: "running"},
			}); err != nil {
				return fmt.Errorf("reconnect(running) frame: %w", err)
			}
		}
	}

	caps := m.cfg.Capabilities
	if err := m.sendFrame(protocol.AgentMessage{
		Type:    protocol.AgentConnect,
		AgentID: m.cfg.AgentID,
		Data:    protocol.AgentData{Capabilities: &caps},
	}); err != nil {
		return fmt.Errorf("connect frame: %w", err)
	}
	return nil
}

// heartbeatLoop sends periodic HEARTBEAT frames until ctx is cancelled or a
// send fails.
func (m *Manager) heartbeatLoop(ctx context.Context) error {
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := m.sendHeartbeat(ctx); err != nil {
				return fmt.Errorf("heartbeat failed: %w", err)
			}
		}
	}
}

// sendHeartbeat emits a heartbeat frame carrying a host resource snapshot.
// A metrics collection failure never blocks the frame — hostmetrics.Collect
// degrades to zero values rather than erroring.
func (m *Manager) sendHeartbeat(ctx context.Context) error {
	snap := hostmetrics.Collect(ctx)
	cpu, mem := snap.CPUPercent, snap.MemPercent
	return m.sendFrame(protocol.AgentMessage{
		Type:    protocol.AgentHeartbeat,
		AgentID: m.cfg.AgentID,
		Data:    protocol.AgentData{CPUPercent: &cpu, MemPercent: &mem},
	})
}

// readLoop decodes orchestrator frames until the connection closes.
func (m *Manager) readLoop(ctx context.Context) error {
	m.mu.RLock()
	conn := m.conn
	m.mu.RUnlock()

	for {
		var msg protocol.OrchestratorMessage
		if err := conn.ReadJSON(&msg); err != nil {
			return fmt.Errorf("read failed: %w", err)
		}

		switch msg.Type {
		case protocol.OrchestratorAssign:
			if msg.Task == nil {
				m.logger.Error("assign frame missing task")
				continue
			}
			if err := m.exec.Enqueue(msg.Task); err != nil {
				m.logger.Error("failed to enqueue assigned task", zap.Error(err))
			}
		case protocol.OrchestratorCancel:
			if msg.Cancel != nil {
				m.exec.Cancel(msg.Cancel.ID)
			}
		case protocol.OrchestratorPing:
			if err := m.sendHeartbeat(ctx); err != nil {
				return fmt.Errorf("ping reply failed: %w", err)
			}
		case protocol.OrchestratorAcknowledge:
			m.logger.Info("connect acknowledged", zap.String("message", msg.Message))
		default:
			m.logger.Warn("unknown orchestrator frame type, ignoring", zap.String("type", string(msg.Type)))
		}

		if ctx.Err() != nil {
			return nil
		}
	}
}

// sendFrame serializes and writes one agent frame. Writes are serialized
// through writeMu since the heartbeat loop, the read loop's ping replies,
// and executor-driven progress/complete/failed reports can all write
// concurrently on the same connection.
func (m *Manager) sendFrame(msg protocol.AgentMessage) error {
	m.mu.RLock()
	conn := m.conn
	m.mu.RUnlock()
	if conn == nil {
		return fmt.Errorf("lifecycle: no active connection")
	}
	m.writeMu.Lock()
	defer m.writeMu.Unlock()
	return conn.WriteJSON(msg)
}

// ReportProgress implements executor.Reporter.
func (m *Manager) ReportProgress(taskID string, progress float64) {
	p := progress
	if err := m.sendFrame(protocol.AgentMessage{
		Type:    protocol.AgentProgress,
		AgentID: m.cfg.AgentID,
		TaskID:  taskID,
		Data:    protocol.AgentData{Progress: &p},
	}); err != nil {
		m.logger.Warn("failed to report progress", zap.String("task_id", taskID), zap.Error(err))
	}
}

// ReportComplete implements executor.Reporter.
func (m *Manager) ReportComplete(taskID string) {
	if err := m.sendFrame(protocol.AgentMessage{
		Type:    protocol.AgentComplete,
		AgentID: m.cfg.AgentID,
		TaskID:  taskID,
	}); err != nil {
		m.logger.Warn("failed to report completion", zap.String("task_id", taskID), zap.Error(err))
	}
}

// ReportFailed implements executor.Reporter.
func (m *Manager) ReportFailed(taskID, errMsg string) {
	if err := m.sendFrame(protocol.AgentMessage{
		Type:    protocol.AgentFailed,
		AgentID: m.cfg.AgentID,
		TaskID:  taskID,
		Data:    protocol.AgentData{Error: errMsg},
	}); err != nil {
		m.logger.Warn("failed to report failure", zap.String("task_id", taskID), zap.Error(err))
	}
}

// nextBackoff returns the next backoff duration, capped at backoffMax.
func nextBackoff(current time.Duration) time.Duration {
	next := time.Duration(float64(current) * backoffFactor)
	if next > backoffMax {
		return backoffMax
	}
	return next
}
