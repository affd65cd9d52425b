package statemanager

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"weekly-stage-bot/internal/models"
	"weekly-stage-bot/internal/persistence"
	"weekly-stage-bot/internal/risk"
)

// EventType defines the type of a normalized event
type EventType int

const (
	OpenPositionEvent EventType = iota
	PriceUpdateEvent
	PyramidAddEvent
	ClosePositionEvent
	StateResetEvent
)

var (
	ErrPositionExists   = errors.New("position already exists")
	ErrPositionNotFound = errors.New("position not found")
	ErrMaxPositions     = errors.New("max positions reached")
	ErrAddRejected      = errors.New("pyramid add rejected")
	ErrStopped          = errors.New("state manager stopped")
)

// NormalizedEvent is a standardized internal representation of an event.
// Reply, when set, receives the processing result exactly once.
type NormalizedEvent struct {
	Type      EventType
	Timestamp time.Time
	Data      interface{}
	Reply     chan error
}

// OpenPositionData 开仓
type OpenPositionData struct {
	Symbol     string
	Name       string
	EntryPrice float64
	Shares     int
	StopLoss   float64
}

// PriceUpdateData 周度价格更新，Support 为 0 表示没有新的支撑位
type PriceUpdateData struct {
	Symbol  string
	Price   float64
	Support float64
}

// PyramidAddData 金字塔加仓
type PyramidAddData struct {
	Symbol string
	Price  float64
}

// ClosePositionData 平仓
type ClosePositionData struct {
	Symbol string
	Price  float64
	Reason string
}

// StateManager is the single writer for portfolio positions.
// All mutations go through the event loop, so stop-loss updates for a
// symbol are applied serially and never move the stop down.
type StateManager struct {
	mu              sync.RWMutex
	state           *models.PortfolioState
	repo            persistence.StateRepository
	risk            *risk.Engine
	eventChannel    chan NormalizedEvent
	persistenceChan chan *models.PortfolioState
	stopChan        chan struct{}
	eventsDone      chan struct{} // 事件循环退出后关闭
	stopOnce        sync.Once
	wg              sync.WaitGroup
	logger          *zap.Logger
}

// NewStateManager creates a new StateManager. A nil initialState starts an empty portfolio.
func NewStateManager(initialState *models.PortfolioState, repo persistence.StateRepository, engine *risk.Engine, logger *zap.Logger) *StateManager {
	if initialState == nil {
		initialState = models.NewPortfolioState()
	}
	if initialState.Positions == nil {
		initialState.Positions = make(map[string]*models.Position)
	}
	return &StateManager{
		state:           initialState,
		repo:            repo,
		risk:            engine,
		eventChannel:    make(chan NormalizedEvent, 1024),       // Buffered channel
		persistenceChan: make(chan *models.PortfolioState, 128), // Buffered channel for state snapshots to be persisted
		stopChan:        make(chan struct{}),
		eventsDone:      make(chan struct{}),
		logger:          logger,
	}
}

// Start begins the state manager's event processing and persistence loops.
func (sm *StateManager) Start() {
	sm.wg.Add(2)
	go sm.eventLoop()
	go sm.persistenceLoop()
	sm.logger.Sugar().Info("StateManager started.")
}

// Stop shuts down the loops. Snapshots already queued are persisted before Stop returns.
func (sm *StateManager) Stop() {
	sm.stopOnce.Do(func() {
		close(sm.stopChan)
		sm.wg.Wait()
		sm.logger.Sugar().Info("StateManager stopped.")
	})
}

// DispatchEvent sends an event to the StateManager for processing.
func (sm *StateManager) DispatchEvent(event NormalizedEvent) {
	sm.eventChannel <- event
}

// Apply dispatches the event and waits until it has been processed.
func (sm *StateManager) Apply(ctx context.Context, eventType EventType, data interface{}) error {
	event := NormalizedEvent{
		Type:      eventType,
		Timestamp: time.Now(),
		Data:      data,
		Reply:     make(chan error, 1),
	}
	select {
	case <-sm.stopChan:
		return ErrStopped
	default:
	}
	select {
	case sm.eventChannel <- event:
	case <-sm.stopChan:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-event.Reply:
		return err
	case <-sm.stopChan:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// GetStateSnapshot returns a deep copy of the current state for safe, concurrent reading.
func (sm *StateManager) GetStateSnapshot() *models.PortfolioState {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return deepCopy(sm.state)
}

// Position returns a copy of the position for symbol.
func (sm *StateManager) Position(symbol string) (models.Position, bool) {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	p, ok := sm.state.Positions[symbol]
	if !ok || p == nil {
		return models.Position{}, false
	}
	return *p, true
}

// Positions returns copies of all positions sorted by symbol.
func (sm *StateManager) Positions() []models.Position {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	out := make([]models.Position, 0, len(sm.state.Positions))
	for _, p := range sm.state.Positions {
		if p != nil {
			out = append(out, *p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out
}

// deepCopy creates a deep copy of the PortfolioState to prevent data races.
func deepCopy(state *models.PortfolioState) *models.PortfolioState {
	if state == nil {
		return nil
	}
	stateCopy := *state
	stateCopy.Positions = make(map[string]*models.Position, len(state.Positions))
	for k, v := range state.Positions {
		if v != nil {
			p := *v
			stateCopy.Positions[k] = &p
		}
	}
	return &stateCopy
}

// eventLoop is the core processing loop that handles all incoming events serially.
func (sm *StateManager) eventLoop() {
	defer sm.wg.Done()
	defer close(sm.eventsDone)
	for {
		select {
		case event := <-sm.eventChannel:
			sm.processEvent(event)
		case <-sm.stopChan:
			return
		}
	}
}

// persistenceLoop handles the asynchronous saving of state snapshots.
func (sm *StateManager) persistenceLoop() {
	defer sm.wg.Done()
	for {
		select {
		case stateToSave := <-sm.persistenceChan:
			sm.save(stateToSave)
		case <-sm.eventsDone:
			// 退出前写完队列里剩余的快照
			for {
				select {
				case stateToSave := <-sm.persistenceChan:
					sm.save(stateToSave)
				default:
					return
				}
			}
		}
	}
}

func (sm *StateManager) save(state *models.PortfolioState) {
	if sm.repo == nil {
		return
	}
	if err := sm.repo.SaveState(state); err != nil {
		sm.logger.Sugar().Errorf("CRITICAL: Failed to save portfolio state: %v", err)
	}
}

// processEvent applies one event under the write lock and queues a snapshot for persistence.
func (sm *StateManager) processEvent(event NormalizedEvent) {
	ts := event.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}

	sm.mu.Lock()
	var err error
	switch event.Type {
	case OpenPositionEvent:
		if data, ok := event.Data.(OpenPositionData); ok {
			err = sm.handleOpen(data, ts)
		} else {
			err = errors.Errorf("OpenPositionEvent with unexpected data type %T", event.Data)
		}
	case PriceUpdateEvent:
		if data, ok := event.Data.(PriceUpdateData); ok {
			err = sm.handlePriceUpdate(data, ts)
		} else {
			err = errors.Errorf("PriceUpdateEvent with unexpected data type %T", event.Data)
		}
	case PyramidAddEvent:
		if data, ok := event.Data.(PyramidAddData); ok {
			err = sm.handlePyramidAdd(data, ts)
		} else {
			err = errors.Errorf("PyramidAddEvent with unexpected data type %T", event.Data)
		}
	case ClosePositionEvent:
		if data, ok := event.Data.(ClosePositionData); ok {
			err = sm.handleClose(data)
		} else {
			err = errors.Errorf("ClosePositionEvent with unexpected data type %T", event.Data)
		}
	case StateResetEvent:
		if newState, ok := event.Data.(*models.PortfolioState); ok && newState != nil {
			sm.state = deepCopy(newState)
			sm.logger.Sugar().Info("Portfolio state has been reset.")
		} else {
			err = errors.Errorf("StateResetEvent with unexpected data type %T", event.Data)
		}
	default:
		err = errors.Errorf("unknown event type %d", event.Type)
	}

	var snapshot *models.PortfolioState
	if err == nil {
		sm.state.LastUpdateTime = ts
		snapshot = deepCopy(sm.state)
	}
	sm.mu.Unlock()

	if err != nil {
		sm.logger.Sugar().Warnf("Event %d rejected: %v", event.Type, err)
	} else {
		// After processing, send a deep copy of the new state to the persistence channel.
		sm.persistenceChan <- snapshot
	}
	if event.Reply != nil {
		event.Reply <- err
	}
}

func (sm *StateManager) handleOpen(data OpenPositionData, ts time.Time) error {
	if _, exists := sm.state.Positions[data.Symbol]; exists {
		return errors.Wrap(ErrPositionExists, data.Symbol)
	}
	if limit := sm.risk.Config().MaxPositions; limit > 0 && len(sm.state.Positions) >= limit {
		return errors.Wrapf(ErrMaxPositions, "%d/%d", len(sm.state.Positions), limit)
	}
	if data.EntryPrice <= 0 || data.Shares <= 0 {
		return errors.Errorf("invalid open for %s: price %.4f shares %d", data.Symbol, data.EntryPrice, data.Shares)
	}

	stop := data.StopLoss
	if stop <= 0 || stop >= data.EntryPrice {
		stop = sm.risk.StopLoss(data.EntryPrice, 0, 0)
	}
	sm.state.Positions[data.Symbol] = &models.Position{
		Symbol:         data.Symbol,
		Name:           data.Name,
		EntryPrice:     data.EntryPrice,
		EntryTime:      ts,
		Shares:         data.Shares,
		StopLoss:       stop,
		LastPrice:      data.EntryPrice,
		LastUpdateTime: ts,
	}
	sm.logger.Sugar().Infow("Position opened", "symbol", data.Symbol, "price", data.EntryPrice, "shares", data.Shares, "stop", stop)
	return nil
}

func (sm *StateManager) handlePriceUpdate(data PriceUpdateData, ts time.Time) error {
	pos, ok := sm.state.Positions[data.Symbol]
	if !ok {
		return errors.Wrap(ErrPositionNotFound, data.Symbol)
	}
	newStop := sm.risk.UpdateStopLoss(*pos, data.Price, data.Support)
	if newStop > pos.StopLoss {
		sm.logger.Sugar().Infow("Stop loss raised", "symbol", data.Symbol, "from", pos.StopLoss, "to", newStop)
		pos.StopLoss = newStop
	}
	pos.LastPrice = data.Price
	pos.LastUpdateTime = ts
	return nil
}

func (sm *StateManager) handlePyramidAdd(data PyramidAddData, ts time.Time) error {
	pos, ok := sm.state.Positions[data.Symbol]
	if !ok {
		return errors.Wrap(ErrPositionNotFound, data.Symbol)
	}
	sizing, ok := sm.risk.PyramidAdd(*pos, data.Price, data.Price)
	if !ok {
		return errors.Wrapf(ErrAddRejected, "%s at %.4f (adds so far %d)", data.Symbol, data.Price, pos.AddOnCount)
	}
	pos.Shares += sizing.Shares
	pos.AddOnCount++
	if sizing.StopLossPrice > pos.StopLoss {
		pos.StopLoss = sizing.StopLossPrice
	}
	pos.LastPrice = data.Price
	pos.LastUpdateTime = ts
	sm.logger.Sugar().Infow("Pyramid add", "symbol", data.Symbol, "shares", sizing.Shares, "stop", pos.StopLoss, "count", pos.AddOnCount)
	return nil
}

func (sm *StateManager) handleClose(data ClosePositionData) error {
	pos, ok := sm.state.Positions[data.Symbol]
	if !ok {
		return errors.Wrap(ErrPositionNotFound, data.Symbol)
	}
	delete(sm.state.Positions, data.Symbol)
	sm.logger.Sugar().Infow("Position closed", "symbol", data.Symbol, "price", data.Price,
		"pnl", pos.ProfitLoss(data.Price), "reason", data.Reason)
	return nil
}
