package gateway

import (
	"context"
	"errors"
	"fmt"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
)

type timeoutErr struct{ timeout bool }

func (e timeoutErr) Error() string   { return "net" }
func (e timeoutErr) Timeout() bool   { return e.timeout }
func (e timeoutErr) Temporary() bool { return false }

var _ net.Error = timeoutErr{}

func TestClassify_Status(t *testing.T) {
	tests := []struct {
		status int
		want   Kind
	}{
		{429, KindRateLimited},
		{408, KindTimeout},
		{504, KindTimeout},
		{500, KindServiceUnavailable},
		{503, KindServiceUnavailable},
		{401, KindFatal},
		{403, KindFatal},
		{400, KindFatal},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprint(tt.status), func(t *testing.T) {
			assert.Equal(t, tt.want, Classify(tt.status, nil))
		})
	}
}

func TestClassify_Errors(t *testing.T) {
	assert.Equal(t, KindTimeout, Classify(0, context.DeadlineExceeded))
	assert.Equal(t, KindTimeout, Classify(0, fmt.Errorf("wrapped: %w", timeoutErr{timeout: true})))
	assert.Equal(t, KindServiceUnavailable, Classify(0, timeoutErr{}))
	assert.Equal(t, KindRateLimited, Classify(0, fmt.Errorf("call: %w", &StatusError{Code: 429})))
	assert.Equal(t, KindFatal, Classify(0, errors.New("boom")))
	assert.Equal(t, KindFatal, Classify(0, nil))
}

func TestRetryable(t *testing.T) {
	assert.False(t, Retryable(nil))
	assert.False(t, Retryable(context.Canceled))
	assert.False(t, Retryable(NewError(KindFatal, "x", errors.New("auth"))))
	assert.True(t, Retryable(NewError(KindMalformedResponse, "x", errors.New("junk"))))
	assert.True(t, Retryable(fmt.Errorf("outer: %w", NewError(KindServiceUnavailable, "x", errors.New("down")))))
}

func TestError_Message(t *testing.T) {
	assert.Equal(t, "openai (timeout): slow", NewError(KindTimeout, "openai", errors.New("slow")).Error())
	assert.Equal(t, "fatal: bad", NewError(KindFatal, "", errors.New("bad")).Error())
}
