package stage

import (
	"fmt"

	apperrors "github.com/Corphon/SceneWeaver/internal/errors"
	"github.com/Corphon/SceneWeaver/internal/models"
)

// CheckScenario verifies that every id referenced by cmds exists in the
// scenario: scenes, characters, and each character's own outfits and
// expressions.
func CheckScenario(s *models.Scenario, cmds []models.Command) error {
	for i, cmd := range cmds {
		if err := checkOne(s, cmd); err != nil {
			return fmt.Errorf("command %d (%s): %w", i, cmd.Name(), err)
		}
	}
	return nil
}

func checkOne(s *models.Scenario, cmd models.Command) error {
	switch c := cmd.(type) {
	case models.SetScene:
		if c.SceneID == "" && c.ClearStage {
			return nil
		}
		if !s.HasScene(c.SceneID) {
			return unknown("scene", c.SceneID)
		}
	case models.AddCharacter:
		character, ok := s.Characters[c.CharacterID]
		if !ok {
			return unknown("character", c.CharacterID)
		}
		if !character.HasOutfit(c.OutfitID) {
			return unknown("outfit", c.CharacterID+"/"+c.OutfitID)
		}
		if !character.HasExpression(c.ExpressionID) {
			return unknown("expression", c.CharacterID+"/"+c.ExpressionID)
		}
	case models.SetOutfit:
		character, ok := s.Characters[c.CharacterID]
		if !ok {
			return unknown("character", c.CharacterID)
		}
		if !character.HasOutfit(c.OutfitID) {
			return unknown("outfit", c.CharacterID+"/"+c.OutfitID)
		}
	case models.SetExpression:
		character, ok := s.Characters[c.CharacterID]
		if !ok {
			return unknown("character", c.CharacterID)
		}
		if !character.HasExpression(c.ExpressionID) {
			return unknown("expression", c.CharacterID+"/"+c.ExpressionID)
		}
	case models.RemoveCharacter:
		if _, ok := s.Characters[c.CharacterID]; !ok {
			return unknown("character", c.CharacterID)
		}
	default:
		return apperrors.NewValidationError(fmt.Sprintf("unsupported command %T", cmd), nil)
	}
	return nil
}

func unknown(kind, id string) error {
	return apperrors.NewValidationError(fmt.Sprintf("unknown %s %q", kind, id), nil)
}
