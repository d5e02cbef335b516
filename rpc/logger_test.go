package rpc

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func TestSetLoggerConcurrent(t *testing.T) {
	core, logs := observer.New(zap.DebugLevel)
	l := zap.New(core)
	t.Cleanup(func() { SetLogger(nil) })

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			SetLogger(l)
		}()
		go func() {
			defer wg.Done()
			require.NotNil(t, Logger())
		}()
	}
	wg.Wait()

	Logger().Info("configured")
	require.Equal(t, 1, logs.FilterMessage("configured").Len())

	SetLogger(nil)
	require.NotNil(t, Logger())
	require.NotSame(t, l, Logger())
}
