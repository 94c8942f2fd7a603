package poll

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"reddit-marker/pkg/marker"
)

type fakeRefresher struct {
	calls atomic.Int32
	err   error
}

func (f *fakeRefresher) BulkRefresh(ctx context.Context) error {
	f.calls.Add(1)
	return f.err
}

func TestNew(t *testing.T) {
	logger := slog.New(slog.DiscardHandler)

	tests := []struct {
		name    string
		spec    string
		wantNil bool
		wantErr bool
	}{
		{name: "empty disables", spec: "", wantNil: true},
		{name: "descriptor", spec: "@hourly"},
		{name: "five fields", spec: "*/15 * * * *"},
		{name: "interval", spec: "@every 6h"},
		{name: "invalid", spec: "every tuesday", wantErr: true},
		{name: "seconds field is rejected", spec: "0 */5 * * * *", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, err := New(tt.spec, &fakeRefresher{}, logger)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantNil, s == nil)
		})
	}
}

func TestRunToleratesFailures(t *testing.T) {
	for _, err := range []error{nil, marker.ErrBulkRefreshActive, errors.New("boom")} {
		r := &fakeRefresher{err: err}
		s, newErr := New("@daily", r, slog.New(slog.DiscardHandler))
		require.NoError(t, newErr)

		s.run()
		assert.Equal(t, int32(1), r.calls.Load())
	}
}

func TestStartStop(t *testing.T) {
	s, err := New("@daily", &fakeRefresher{}, slog.New(slog.DiscardHandler))
	require.NoError(t, err)

	s.Start()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	s.Stop(ctx)
	assert.NoError(t, ctx.Err())
}
