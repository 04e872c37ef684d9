package factory

import (
	"context"
	"testing"

	"PcapSanitizer/internal/config"
	"PcapSanitizer/internal/model"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type nopStage struct{ name string }

func (s nopStage) Name() string                  { return s.name }
func (nopStage) Initialize(*config.Config) error { return nil }
func (nopStage) Cleanup()                        {}
func (s nopStage) Process(context.Context, string, string) (*model.StageStats, error) {
	return model.NewStageStats(s.name), nil
}

func TestRegistry(t *testing.T) {
	RegisterStage("zz-extra", func(*zap.Logger) model.Stage { return nopStage{"zz-extra"} })
	RegisterStage(model.StageMask, func(*zap.Logger) model.Stage { return nopStage{model.StageMask} })
	RegisterStage("aa-extra", func(*zap.Logger) model.Stage { return nopStage{"aa-extra"} })
	t.Cleanup(func() {
		delete(registry, "zz-extra")
		delete(registry, model.StageMask)
		delete(registry, "aa-extra")
	})

	assert.Equal(t, []string{model.StageMask, "aa-extra", "zz-extra"}, Registered())

	st, err := Create("aa-extra", nil)
	require.NoError(t, err)
	assert.Equal(t, "aa-extra", st.Name())

	_, err = Create("compress", nil)
	assert.True(t, model.IsKind(err, model.KindConfiguration))

	assert.Panics(t, func() {
		RegisterStage("aa-extra", func(*zap.Logger) model.Stage { return nopStage{"aa-extra"} })
	})
}
