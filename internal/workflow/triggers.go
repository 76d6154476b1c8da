package workflow

import (
	"fmt"

	"gopkg.in/yaml.v3"
)

type Triggers struct {
	Schedule []CronTrigger
	Dispatch bool
}

// UnmarshalYAML accepts the mapping form (`schedule:` / `workflow_dispatch:`)
// and the list form (`[workflow_dispatch]`). A bare `workflow_dispatch:` key
// with a null value still enables manual runs.
func (t *Triggers) UnmarshalYAML(node *yaml.Node) error {
	switch node.Kind {
	case yaml.ScalarNode:
		return t.addNamed(node.Value)
	case yaml.SequenceNode:
		for _, n := range node.Content {
			if err := t.addNamed(n.Value); err != nil {
				return err
			}
		}
		return nil
	case yaml.MappingNode:
		for i := 0; i+1 < len(node.Content); i += 2 {
			key, val := node.Content[i], node.Content[i+1]
			switch key.Value {
			case "schedule":
				if err := val.Decode(&t.Schedule); err != nil {
					return fmt.Errorf("on.schedule: %w", err)
				}
			case "workflow_dispatch":
				t.Dispatch = true
			default:
				return fmt.Errorf("unsupported trigger %q", key.Value)
			}
		}
		return nil
	}
	return fmt.Errorf("on: unexpected yaml node kind %d", node.Kind)
}

func (t *Triggers) addNamed(name string) error {
	if name != "workflow_dispatch" {
		return fmt.Errorf("unsupported trigger %q", name)
	}
	t.Dispatch = true
	return nil
}
