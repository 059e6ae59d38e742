package planner

import (
	"github.com/FLASH-73/assembler/pkg/assembly"
)

// Classification is the handling chosen for the assemble step of one part.
type Classification struct {
	// Handler selects primitive or policy execution.
	Handler assembly.Handler

	// PrimitiveType is set when Handler is primitive.
	PrimitiveType string

	// Criteria is how the step is verified.
	Criteria assembly.SuccessCriteria

	// Rule names the heuristic that matched, for logs and overrides.
	Rule string
}

// Classify picks the handler, primitive and success criteria for assembling
// part given the IDs of the parts it touches. Rules are evaluated in a fixed
// precedence; the first match wins.
func Classify(part *assembly.Part, contacts []string) Classification {
	shape := part.Shape()
	radius := part.Dim(0)
	touching := len(contacts) > 0

	switch {
	case shape == assembly.GeometryCylinder && touching && radius < pinRadiusWithContacts:
		return policy("thin-cylinder", assembly.SuccessCriteria{Type: assembly.CriteriaClassifier})

	case shape == assembly.GeometryCylinder && touching:
		return primitive("cylinder-insert", "linear_insert", assembly.SuccessCriteria{
			Type:    assembly.CriteriaForceSignature,
			Pattern: assembly.PatternSnapFit,
		})

	case len(contacts) >= 3:
		return policy("many-contacts", assembly.SuccessCriteria{Type: assembly.CriteriaClassifier})

	case touching && containsAny(part.ID, teachingKeywords):
		return policy("meshing-keyword", assembly.SuccessCriteria{
			Type:    assembly.CriteriaForceSignature,
			Pattern: assembly.PatternMeshing,
		})

	case Volume(part) < smallPartVolume:
		threshold := 15.0
		return primitive("small-part", "press_fit", assembly.SuccessCriteria{
			Type:      assembly.CriteriaForceThreshold,
			Threshold: &threshold,
		})

	case shape == assembly.GeometryCylinder && radius < pinRadiusWithoutContacts:
		return policy("loose-pin", assembly.SuccessCriteria{Type: assembly.CriteriaClassifier})

	default:
		return primitive("default", "place", assembly.SuccessCriteria{Type: assembly.CriteriaPosition})
	}
}

func policy(rule string, criteria assembly.SuccessCriteria) Classification {
	return Classification{Handler: assembly.HandlerPolicy, Criteria: criteria, Rule: rule}
}

func primitive(rule, primitiveType string, criteria assembly.SuccessCriteria) Classification {
	return Classification{
		Handler:       assembly.HandlerPrimitive,
		PrimitiveType: primitiveType,
		Criteria:      criteria,
		Rule:          rule,
	}
}
