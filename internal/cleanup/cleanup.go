// Package cleanup provides the LIFO release stack that backs every scoped
// acquisition in the kit: resources register a release function as they come
// up, and Execute tears them down in reverse order exactly once, on every
// exit path.
package cleanup

import (
	"sync"

	"go.uber.org/zap"
)

// Func is one release step. It returns an error when the step fails.
type Func func() error

// Manager holds the stack of release functions.
type Manager struct {
	mu          sync.Mutex // Protects funcs and err
	funcs       []Func     // Stack of release functions (LIFO)
	err         error      // First error encountered during Execute
	logger      *zap.Logger
	executeOnce sync.Once // Ensures release runs only once
}

// NewManager creates an empty release stack.
func NewManager(logger *zap.Logger) *Manager {
	return &Manager{
		funcs:  make([]Func, 0),
		logger: logger,
	}
}

// Add pushes a release function onto the stack. Nil functions are ignored.
func (cm *Manager) Add(f Func) {
	if f == nil {
		return
	}
	cm.mu.Lock()
	defer cm.mu.Unlock()
	cm.funcs = append(cm.funcs, f)
}

// Execute runs all registered release functions in reverse order (LIFO).
// It runs at most once; later calls return the stored result. The first
// error wins, subsequent errors are logged so nothing is silently dropped.
func (cm *Manager) Execute() error {
	cm.executeOnce.Do(func() {
		cm.mu.Lock()
		defer cm.mu.Unlock()

		cm.logger.Debug("Starting teardown...")
		for i := len(cm.funcs) - 1; i >= 0; i-- {
			f := cm.funcs[i]
			if f == nil {
				continue
			}
			if err := f(); err != nil {
				if cm.err == nil {
					cm.err = err
					cm.logger.Error("Teardown error encountered", zap.Error(err))
				} else {
					cm.logger.Error("Additional teardown error", zap.Error(err))
				}
			}
		}
		cm.logger.Debug("Teardown finished.")

		// Sync errors are expected on some platforms; zap docs say ignore.
		_ = cm.logger.Sync()
	})
	return cm.err
}
