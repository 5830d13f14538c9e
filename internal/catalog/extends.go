package catalog

import (
	"fmt"

	"github.com/kptn-dev/kptn/internal/kerrors"
	"github.com/kptn-dev/kptn/internal/util"
	"github.com/pyr-sh/dag"
)

// flattenExtends resolves every graph's `extends` chain into a single
// self-contained GraphSpec: a child's own tasks win over an inherited
// task of the same name, and a parent's args overrides (named in the
// `extends` entry) are applied on top of the inherited task before the
// child's own entry is considered. Cycles are rejected up front via the
// same DAG validator used for task dependency graphs.
func (cat *Catalog) flattenExtends() error {
	g := &dag.AcyclicGraph{}
	for name := range cat.Graphs {
		g.Add(name)
	}
	for name, spec := range cat.Graphs {
		for _, parent := range spec.Extends {
			if _, ok := cat.Graphs[parent.Graph]; !ok {
				return kerrors.NewConfigError("catalog.flattenExtends",
					fmt.Errorf("graph %q extends unknown graph %q", name, parent.Graph))
			}
			g.Connect(dag.BasicEdge(name, parent.Graph))
		}
	}
	if err := util.ValidateGraph(g); err != nil {
		return kerrors.NewConfigError("catalog.flattenExtends", err)
	}

	flattened := map[string]GraphSpec{}
	var resolve func(name string) (GraphSpec, error)
	resolve = func(name string) (GraphSpec, error) {
		if done, ok := flattened[name]; ok {
			return done, nil
		}
		own := cat.Graphs[name]
		merged := map[string]DepSpec{}

		for _, parent := range own.Extends {
			parentSpec, err := resolve(parent.Graph)
			if err != nil {
				return GraphSpec{}, err
			}
			for taskName, dep := range parentSpec.Tasks {
				if override, ok := parent.Args[taskName]; ok {
					dep = applyArgsOverride(dep, override)
				}
				merged[taskName] = dep
			}
		}
		for taskName, dep := range own.Tasks {
			merged[taskName] = dep
		}

		result := GraphSpec{Tasks: merged}
		flattened[name] = result
		return result, nil
	}

	for name := range cat.Graphs {
		result, err := resolve(name)
		if err != nil {
			return err
		}
		cat.Graphs[name] = result
	}
	return nil
}

// applyArgsOverride merges an `extends[].args` override onto an
// inherited task's args, leaving its deps untouched.
func applyArgsOverride(dep DepSpec, override map[string]interface{}) DepSpec {
	merged := make(map[string]interface{}, len(dep.Args)+len(override))
	for k, v := range dep.Args {
		merged[k] = v
	}
	for k, v := range override {
		merged[k] = v
	}
	return DepSpec{Deps: dep.Deps, Args: merged}
}
