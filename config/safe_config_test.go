package config

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/depkit/errors"
)

func TestSafeConfig_ThreadSafety(t *testing.T) {
	sc := NewSafeConfig(nil)

	const goroutines = 20
	const operations = 200

	var wg sync.WaitGroup
	for i := 0; i < goroutines; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			for j := 0; j < operations; j++ {
				cfg := sc.Get()
				if cfg.Log.Level != "info" && cfg.Log.Level != "debug" {
					t.Errorf("unexpected level %q", cfg.Log.Level)
					return
				}
			}
		}()
		go func() {
			defer wg.Done()
			for j := 0; j < operations/10; j++ {
				cfg := Default()
				cfg.Log.Level = "debug"
				if err := sc.Update(cfg); err != nil {
					t.Errorf("update failed: %v", err)
					return
				}
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, "debug", sc.Get().Log.Level)
}

func TestSafeConfig_GetReturnsCopy(t *testing.T) {
	sc := NewSafeConfig(Default())
	cfg := sc.Get()
	cfg.Log.Level = "error"
	assert.Equal(t, "info", sc.Get().Log.Level)
}

func TestSafeConfig_UpdateValidates(t *testing.T) {
	sc := NewSafeConfig(Default())

	err := sc.Update(nil)
	require.Error(t, err)
	assert.True(t, errors.IsInvalid(err))

	bad := Default()
	bad.Log.Format = "xml"
	err = sc.Update(bad)
	assert.True(t, errors.IsInvalid(err))
	assert.Equal(t, "json", sc.Get().Log.Format, "a rejected update leaves the config unchanged")
}
