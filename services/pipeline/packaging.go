package pipeline

import (
	"fmt"
	"time"

	"updatehub/pkg/canonical"
	"updatehub/services/update"
)

// SigningBytes produces the canonical serialisation covered by an update's
// signature. It binds the descriptor to the governance decision, so a valid
// signature implies the governance stage completed with approval.
func SigningBytes(desc update.Descriptor, decision update.GovernanceDecision) ([]byte, error) {
	return canonical.Marshal(map[string]any{
		"descriptor":          desc,
		"governance_decision": decision,
	})
}

// BuildPackage turns a validated descriptor into a distributable package.
// It is a pure function of the descriptor: packaging the same descriptor
// twice yields byte-identical results.
func BuildPackage(desc update.Descriptor) (update.Package, error) {
	checksum, err := canonical.Hash(desc.Payload)
	if err != nil {
		return update.Package{}, fmt.Errorf("checksum payload: %w", err)
	}
	rollback, err := deriveRollback(desc)
	if err != nil {
		return update.Package{}, err
	}
	return update.Package{
		Checksum: checksum,
		Rollback: rollback,
	}, nil
}

// deriveRollback computes the inverse of an update. Prior holds the complete
// payload a rollback update would carry, so reverting is just resubmitting
// it through the pipeline.
func deriveRollback(desc update.Descriptor) (update.RollbackInstructions, error) {
	p := desc.Payload
	switch desc.Kind {
	case update.KindSchema:
		proposed, ok := asMap(p["proposed"])
		if !ok {
			return update.RollbackInstructions{}, fmt.Errorf("schema payload missing proposed object")
		}
		current, ok := asMap(p["current"])
		if !ok {
			// Nothing existed before: rolling back removes the schema.
			return update.RollbackInstructions{
				Action: update.RollbackRemove,
				Prior:  map[string]any{"action": "remove", "current": proposed},
			}, nil
		}
		return update.RollbackInstructions{
			Action: update.RollbackRestore,
			Prior:  map[string]any{"current": proposed, "proposed": current},
		}, nil

	case update.KindCodeModule:
		modules, ok := asMap(p["modules"])
		if !ok {
			return update.RollbackInstructions{}, fmt.Errorf("code module payload missing modules map")
		}
		prior, ok := asMap(p["prior"])
		if !ok {
			return update.RollbackInstructions{
				Action: update.RollbackRemove,
				Prior:  map[string]any{"action": "remove", "modules": modules},
			}, nil
		}
		return update.RollbackInstructions{
			Action: update.RollbackRestore,
			Prior:  map[string]any{"modules": prior, "prior": modules},
		}, nil

	case update.KindConfig:
		proposed, hasProposed := p["proposed"]
		if !hasProposed {
			// Bare config payloads apply as-is and revert by removal.
			return update.RollbackInstructions{
				Action: update.RollbackRemove,
				Prior:  map[string]any{"action": "remove", "prior": update.CloneMap(p)},
			}, nil
		}
		current, hasCurrent := p["current"]
		if !hasCurrent {
			return update.RollbackInstructions{
				Action: update.RollbackRemove,
				Prior:  map[string]any{"action": "remove", "key": p["key"], "current": proposed},
			}, nil
		}
		return update.RollbackInstructions{
			Action: update.RollbackRestore,
			Prior:  map[string]any{"key": p["key"], "current": proposed, "proposed": current},
		}, nil

	case update.KindPlaybook:
		name, _ := p["name"].(string)
		if name == "" {
			return update.RollbackInstructions{}, fmt.Errorf("playbook payload missing name")
		}
		prior, ok := asMap(p["prior"])
		if !ok {
			return update.RollbackInstructions{
				Action: update.RollbackRemove,
				Prior:  map[string]any{"action": "remove", "name": name},
			}, nil
		}
		return update.RollbackInstructions{
			Action: update.RollbackRestore,
			Prior:  map[string]any{"name": name, "body": prior, "prior": p["body"]},
		}, nil

	case update.KindMetricDefinition:
		name, _ := p["name"].(string)
		if name == "" {
			return update.RollbackInstructions{}, fmt.Errorf("metric payload missing name")
		}
		prior, ok := asMap(p["prior"])
		if !ok {
			return update.RollbackInstructions{
				Action: update.RollbackRemove,
				Prior:  map[string]any{"action": "remove", "name": name},
			}, nil
		}
		return update.RollbackInstructions{
			Action: update.RollbackRestore,
			Prior:  map[string]any{"name": name, "definition": prior, "prior": p["definition"]},
		}, nil

	default:
		return update.RollbackInstructions{}, fmt.Errorf("unknown kind %q", desc.Kind)
	}
}

// rollbackDescriptor builds the descriptor for the rollback of a distributed
// update. The payload comes straight from the original package's rollback
// instructions; the rollback inherits the original's risk level and targets.
func rollbackDescriptor(original *update.Record, requestedBy string) update.Descriptor {
	return update.Descriptor{
		Kind:             original.Descriptor.Kind,
		Payload:          update.CloneMap(original.Package.Rollback.Prior),
		ComponentTargets: append([]string(nil), original.Descriptor.ComponentTargets...),
		CreatedBy:        requestedBy,
		RiskLevel:        original.Descriptor.RiskLevel,
		RequestedAt:      time.Now().UTC(),
	}
}

func asMap(v any) (map[string]any, bool) {
	m, ok := v.(map[string]any)
	return m, ok && m != nil
}
