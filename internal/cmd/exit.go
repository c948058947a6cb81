package cmd

import (
	stderrors "errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/fulmenhq/gofulmen/errors"
	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/fulmenhq/gofulmen/logging"
	"go.uber.org/zap"

	"github.com/relaygate/relaygate/internal/core"
	"github.com/relaygate/relaygate/internal/observability"
)

// ExitError carries the foundry exit code a failed command should end with.
type ExitError struct {
	Code foundry.ExitCode
	Msg  string
	Err  error
}

func (e *ExitError) Error() string {
	if e.Err == nil {
		return e.Msg
	}
	return fmt.Sprintf("%s: %v", e.Msg, e.Err)
}

func (e *ExitError) Unwrap() error { return e.Err }

// withExit tags err with an exit code. A nil err stays nil.
func withExit(code foundry.ExitCode, msg string, err error) error {
	if err == nil {
		return nil
	}
	return &ExitError{Code: code, Msg: msg, Err: err}
}

// exitCodeFor picks the exit code for an error returned by a command.
// Persistence failures always end the process with ExitFailure so a
// supervisor restarts it against a healthy store.
func exitCodeFor(err error) (foundry.ExitCode, string) {
	var exitErr *ExitError
	if stderrors.As(err, &exitErr) {
		return exitErr.Code, exitErr.Msg
	}
	if core.IsPersistence(err) {
		return foundry.ExitFailure, "job store failure"
	}
	return foundry.ExitFailure, "command execution failed"
}

func isNotExist(err error) bool {
	return stderrors.Is(err, fs.ErrNotExist)
}

// Exit logs err with its exit code metadata and terminates the process.
// main calls it when Execute fails.
func Exit(err error) {
	code, msg := exitCodeFor(err)
	cause := err
	var exitErr *ExitError
	if stderrors.As(err, &exitErr) && exitErr.Err != nil {
		cause = exitErr.Err
	}

	switch {
	case observability.ServerLogger != nil:
		ExitWithCode(observability.ServerLogger, code, msg, cause)
	default:
		ExitWithCodeStderr(code, msg, cause)
	}
}

// ExitWithCode exits the program with a semantic foundry exit code and logs the error.
//
// Parameters:
//   - logger: The logger to use for error output (can be nil for early failures)
//   - exitCode: The foundry exit code constant (e.g., foundry.ExitConfigInvalid)
//   - msg: Human-readable error message
//   - err: The underlying error (can be nil)
func ExitWithCode(logger *logging.Logger, exitCode foundry.ExitCode, msg string, err error) {
	info, ok := foundry.GetExitCodeInfo(exitCode)
	if !ok {
		fmt.Fprintf(os.Stderr, "FATAL: %s: %v (exit code: %d)\n", msg, err, exitCode)
		os.Exit(int(exitCode))
	}

	if logger == nil {
		ExitWithCodeStderr(exitCode, msg, err)
		return
	}

	fields := []zap.Field{
		zap.Int("exit_code", info.Code),
		zap.String("exit_name", info.Name),
		zap.String("exit_category", info.Category),
	}

	var envelope *errors.ErrorEnvelope
	if stderrors.As(err, &envelope) && envelope != nil {
		fields = append(fields,
			zap.String("error_code", envelope.Code),
			zap.String("error_message", envelope.Message),
			zap.String("correlation_id", envelope.CorrelationID))
		if envelope.Context != nil {
			fields = append(fields, zap.Any("error_context", envelope.Context))
		}
	}

	var persistErr *core.PersistenceError
	if stderrors.As(err, &persistErr) {
		fields = append(fields, zap.String("store_op", persistErr.Op))
	}

	fields = append(fields, zap.Error(err))
	logger.Error(msg, fields...)
	_ = logger.Sync()

	os.Exit(info.Code)
}

// ExitWithCodeStderr is a variant that writes to stderr without a logger.
// Use this for early failures before logger initialization.
func ExitWithCodeStderr(exitCode foundry.ExitCode, msg string, err error) {
	info, ok := foundry.GetExitCodeInfo(exitCode)
	if !ok {
		if err != nil {
			fmt.Fprintf(os.Stderr, "FATAL: %s: %v (exit code: %d)\n", msg, err, exitCode)
		} else {
			fmt.Fprintf(os.Stderr, "FATAL: %s (exit code: %d)\n", msg, exitCode)
		}
		os.Exit(int(exitCode))
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: %s: %v\n", msg, err)
	} else {
		fmt.Fprintf(os.Stderr, "FATAL: %s\n", msg)
	}
	fmt.Fprintf(os.Stderr, "Exit Code: %d (%s) - %s\n", info.Code, info.Name, info.Description)

	os.Exit(info.Code)
}
