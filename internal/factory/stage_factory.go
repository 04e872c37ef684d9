package factory

import (
	"fmt"
	"sort"

	"PcapSanitizer/internal/model"

	"go.uber.org/zap"
)

// StageFactory creates an uninitialized stage.
type StageFactory func(logger *zap.Logger) model.Stage

// registry holds the mapping of stage names to their factory functions.
var registry = make(map[string]StageFactory)

// RegisterStage registers a stage under name. Stage packages call it from
// init.
func RegisterStage(name string, factory StageFactory) {
	if _, exists := registry[name]; exists {
		panic(fmt.Sprintf("stage '%s' already registered", name))
	}
	registry[name] = factory
}

// Create returns a new, uninitialized instance of the named stage.
func Create(name string, logger *zap.Logger) (model.Stage, error) {
	factory, ok := registry[name]
	if !ok {
		return nil, model.Errorf(model.KindConfiguration, name, "unknown stage '%s'", name)
	}
	return factory(logger), nil
}

// Registered lists registered stage names in pipeline order. Names outside
// the fixed order come last, sorted.
func Registered() []string {
	rank := make(map[string]int, len(model.StageOrder))
	for i, name := range model.StageOrder {
		rank[name] = i
	}
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Slice(names, func(i, j int) bool {
		ri, iok := rank[names[i]]
		rj, jok := rank[names[j]]
		switch {
		case iok && jok:
			return ri < rj
		case iok != jok:
			return iok
		}
		return names[i] < names[j]
	})
	return names
}
