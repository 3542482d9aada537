package provider

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	platformerrors "github.com/jmgilman/go/errors"
)

func TestError_Error(t *testing.T) {
	tests := []struct {
		name string
		err  *Error
		want string
	}{
		{
			name: "with underlying error",
			err:  NewError("binance", ErrorClassUpstream, errors.New("status 502")),
			want: "provider binance upstream error: status 502",
		},
		{
			name: "without underlying error",
			err:  &Error{Provider: "static", Class: ErrorClassMalformed},
			want: "provider static malformed error",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.err.Error(); got != tt.want {
				t.Errorf("Error() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestError_Code(t *testing.T) {
	tests := []struct {
		class     ErrorClass
		code      platformerrors.ErrorCode
		retryable bool
	}{
		{ErrorClassTimeout, platformerrors.CodeTimeout, true},
		{ErrorClassRateLimit, platformerrors.CodeRateLimit, true},
		{ErrorClassMalformed, platformerrors.CodeInvalidInput, false},
		{ErrorClassUpstream, platformerrors.CodeNetwork, true},
	}

	for _, tt := range tests {
		t.Run(string(tt.class), func(t *testing.T) {
			err := fmt.Errorf("fetch: %w", NewError("p1", tt.class, errors.New("boom")))

			if got := platformerrors.GetCode(err); got != tt.code {
				t.Errorf("GetCode() = %v, want %v", got, tt.code)
			}
			if got := platformerrors.IsRetryable(err); got != tt.retryable {
				t.Errorf("IsRetryable() = %v, want %v", got, tt.retryable)
			}
		})
	}
}

func TestError_Unwrap(t *testing.T) {
	baseErr := errors.New("connection reset")
	err := NewError("p1", ErrorClassUpstream, baseErr)

	if !errors.Is(err, baseErr) {
		t.Error("errors.Is should find the underlying error")
	}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want ErrorClass
	}{
		{"classified error", RateLimited("p1", time.Second, nil), ErrorClassRateLimit},
		{"wrapped classified error", fmt.Errorf("call: %w", NewError("p1", ErrorClassMalformed, nil)), ErrorClassMalformed},
		{"deadline", fmt.Errorf("get: %w", context.DeadlineExceeded), ErrorClassTimeout},
		{"plain error", errors.New("eof"), ErrorClassUpstream},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Classify(tt.err); got != tt.want {
				t.Errorf("Classify() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestAsError(t *testing.T) {
	if AsError("p1", nil) != nil {
		t.Error("AsError(nil) should be nil")
	}

	rl := RateLimited("p1", 2*time.Second, errors.New("429"))
	if got := AsError("p2", rl); got != rl {
		t.Error("AsError should return an existing *Error unchanged")
	}

	got := AsError("p3", context.DeadlineExceeded)
	if got.Provider != "p3" || got.Class != ErrorClassTimeout {
		t.Errorf("AsError = %+v, want p3 timeout", got)
	}
	if got.Context()["provider"] != "p3" {
		t.Errorf("Context() = %v", got.Context())
	}
}

func TestFunc(t *testing.T) {
	var p Provider = Func{
		Name: "fn",
		Fn: func(_ context.Context, metric, asset string, _ map[string]string) ([]byte, error) {
			return []byte(metric + "/" + asset), nil
		},
	}

	if p.ID() != "fn" {
		t.Errorf("ID() = %v", p.ID())
	}
	got, err := p.Fetch(context.Background(), "price", "BTC", nil)
	if err != nil || string(got) != "price/BTC" {
		t.Errorf("Fetch() = %s, %v", got, err)
	}
}
