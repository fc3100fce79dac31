package agent

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/solosway/webscout/api/schemas"
)

// actionHandler runs one action kind against the driver.
type actionHandler func(ctx context.Context, a Action) (schemas.ActionResult, error)

// Executor runs navigator actions on a session's driver with per-action
// timeouts and classifies failures.
type Executor struct {
	logger            *zap.Logger
	driver            schemas.Driver
	actionTimeout     time.Duration
	navigationTimeout time.Duration
	handlers          map[ActionKind]actionHandler
}

// NewExecutor creates an Executor. Zero timeouts disable the per-action bound.
func NewExecutor(driver schemas.Driver, actionTimeout, navigationTimeout time.Duration, logger *zap.Logger) *Executor {
	e := &Executor{
		logger:            logger.Named("executor"),
		driver:            driver,
		actionTimeout:     actionTimeout,
		navigationTimeout: navigationTimeout,
		handlers:          make(map[ActionKind]actionHandler),
	}
	e.handlers[ActionNavigate] = e.handleNavigate
	e.handlers[ActionBacktrack] = e.handleNavigate
	e.handlers[ActionClick] = e.handleClick
	e.handlers[ActionType] = e.handleType
	e.handlers[ActionScroll] = e.handleScroll
	return e
}

// Execute runs the action. Driver failures never escape as Go errors: they
// are classified into the result for the action history.
func (e *Executor) Execute(ctx context.Context, a Action) ExecutionResult {
	out := ExecutionResult{URLBefore: e.driver.CurrentURL()}

	handler, ok := e.handlers[a.Kind]
	if !ok {
		out.Err = fmt.Errorf("no handler for action %q", a.Kind)
		out.ErrorCode = ErrCodeUnknownAction
		out.URLAfter = out.URLBefore
		return out
	}
	if err := validateAction(a); err != nil {
		out.Err = err
		out.ErrorCode = ErrCodeInvalidParameters
		out.URLAfter = out.URLBefore
		return out
	}

	timeout := e.actionTimeout
	if a.Kind == ActionNavigate || a.Kind == ActionBacktrack {
		timeout = e.navigationTimeout
	}
	callCtx, cancel := ctx, context.CancelFunc(func() {})
	if timeout > 0 {
		callCtx, cancel = context.WithTimeout(ctx, timeout)
	}
	defer cancel()

	res, err := handler(callCtx, a)
	out.Result = res
	out.Err = err
	if err == nil && !res.Success {
		out.Err = errors.New(res.Message)
	}
	out.URLAfter = res.URL
	if out.URLAfter == "" {
		out.URLAfter = e.driver.CurrentURL()
	}

	if out.Err != nil {
		out.ErrorCode = ClassifyError(out.Err, a.Kind)
		e.logger.Debug("Browser action failed.",
			zap.String("action", a.String()),
			zap.String("error_code", string(out.ErrorCode)),
			zap.Error(out.Err))
	}
	return out
}

func validateAction(a Action) error {
	switch a.Kind {
	case ActionNavigate, ActionBacktrack:
		if a.URL == "" {
			return fmt.Errorf("%s requires a url", a.Kind)
		}
	case ActionClick:
		if a.Ref == "" {
			return errors.New("click requires a ref")
		}
	case ActionType:
		if a.Ref == "" {
			return errors.New("type requires a ref")
		}
	}
	return nil
}

func (e *Executor) handleNavigate(ctx context.Context, a Action) (schemas.ActionResult, error) {
	return e.driver.Navigate(ctx, a.URL)
}

func (e *Executor) handleClick(ctx context.Context, a Action) (schemas.ActionResult, error) {
	return e.driver.Click(ctx, a.Ref)
}

func (e *Executor) handleType(ctx context.Context, a Action) (schemas.ActionResult, error) {
	return e.driver.Type(ctx, a.Ref, a.Text, a.Submit)
}

func (e *Executor) handleScroll(ctx context.Context, a Action) (schemas.ActionResult, error) {
	dir := a.Direction
	if dir != schemas.ScrollUp {
		dir = schemas.ScrollDown
	}
	amount := a.Amount
	if amount <= 0 {
		amount = defaultScrollAmount
	}
	return e.driver.Scroll(ctx, dir, amount)
}
