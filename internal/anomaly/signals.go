// Package anomaly implements the anomaly signal detector: built-in
// heuristics over recent ledger activity, operator-defined CEL signals,
// and the in-memory registry of active findings the limiter consults for
// hard blocks.
package anomaly

import (
	"fmt"
	"sync"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"
	"github.com/google/cel-go/common/types/ref"
	"github.com/loyalty-foundry/talon/internal/domain"
)

// SignalEngine compiles and evaluates operator-defined CEL signals.
// Expressions see one ledger transaction at a time and must return bool.
type SignalEngine struct {
	mu       sync.RWMutex
	env      *cel.Env
	compiled map[string]compiledSignal // keyed merchantID + "/" + name
}

type compiledSignal struct {
	signal  domain.CustomSignal
	program cel.Program
}

// NewSignalEngine creates the CEL environment for custom signals.
func NewSignalEngine() (*SignalEngine, error) {
	env, err := cel.NewEnv(
		cel.Variable("amount", cel.DoubleType),
		cel.Variable("tx_type", cel.StringType),
		cel.Variable("channel", cel.StringType),
		cel.Variable("category", cel.StringType),
		cel.Variable("customer_id", cel.StringType),
		cel.Variable("device_id", cel.StringType),
		cel.Variable("outlet_id", cel.StringType),
		cel.Variable("hour", cel.IntType),
		cel.Variable("weekday", cel.IntType),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}

	return &SignalEngine{
		env:      env,
		compiled: make(map[string]compiledSignal),
	}, nil
}

// Validate compiles a signal without loading it; called when an operator
// saves configuration so a bad expression is rejected up front.
func (e *SignalEngine) Validate(sig domain.CustomSignal) error {
	_, err := e.compile(sig)
	return err
}

// Load compiles and replaces the merchant's signal set.
func (e *SignalEngine) Load(merchantID string, signals []domain.CustomSignal) error {
	next := make(map[string]compiledSignal, len(signals))
	for _, sig := range signals {
		c, err := e.compile(sig)
		if err != nil {
			return err
		}
		next[merchantID+"/"+sig.Name] = c
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	for key := range e.compiled {
		if len(key) > len(merchantID) && key[:len(merchantID)+1] == merchantID+"/" {
			delete(e.compiled, key)
		}
	}
	for key, c := range next {
		e.compiled[key] = c
	}
	return nil
}

// Evaluate runs the merchant's signals against one transaction and
// returns the names of those that fired. Evaluation errors skip the
// signal rather than poisoning the scan.
func (e *SignalEngine) Evaluate(merchantID string, tx *domain.Transaction) []string {
	e.mu.RLock()
	defer e.mu.RUnlock()

	activation := map[string]any{
		"amount":      float64(tx.Amount),
		"tx_type":     string(tx.Type),
		"channel":     string(tx.Channel),
		"category":    tx.Category,
		"customer_id": tx.CustomerID,
		"device_id":   tx.DeviceID,
		"outlet_id":   tx.OutletID,
		"hour":        int64(tx.CreatedAt.Hour()),
		"weekday":     int64(tx.CreatedAt.Weekday()),
	}

	var fired []string
	prefix := merchantID + "/"
	for key, c := range e.compiled {
		if len(key) <= len(prefix) || key[:len(prefix)] != prefix {
			continue
		}
		out, _, err := c.program.Eval(activation)
		if err != nil {
			continue
		}
		if truthy(out) {
			fired = append(fired, c.signal.Name)
		}
	}
	return fired
}

func (e *SignalEngine) compile(sig domain.CustomSignal) (compiledSignal, error) {
	if sig.Name == "" {
		return compiledSignal{}, fmt.Errorf("%w: signal name is required", domain.ErrConfiguration)
	}

	ast, issues := e.env.Compile(sig.Expression)
	if issues != nil && issues.Err() != nil {
		return compiledSignal{}, fmt.Errorf("%w: signal %s: %v", domain.ErrConfiguration, sig.Name, issues.Err())
	}
	if ast.OutputType() != cel.BoolType {
		return compiledSignal{}, fmt.Errorf("%w: signal %s: expression must return bool, got %s",
			domain.ErrConfiguration, sig.Name, ast.OutputType())
	}

	program, err := e.env.Program(ast)
	if err != nil {
		return compiledSignal{}, fmt.Errorf("%w: signal %s: %v", domain.ErrConfiguration, sig.Name, err)
	}

	return compiledSignal{signal: sig, program: program}, nil
}

func truthy(val ref.Val) bool {
	b, ok := val.(types.Bool)
	return ok && bool(b)
}
