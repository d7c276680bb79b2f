// Package stage applies and diffs the state-transition vocabulary.
//
// Apply checks stage preconditions only (who is on stage). Scenario-level
// existence of scenes, characters, outfits and expressions is the caller's
// job and is available through CheckScenario.
package stage

import (
	"fmt"

	apperrors "github.com/Corphon/SceneWeaver/internal/errors"
	"github.com/Corphon/SceneWeaver/internal/models"
)

// Apply mutates state in place. It stops at the first invalid command and
// does not roll back the commands already applied; callers that apply
// untrusted input should apply to a Clone.
func Apply(state *models.StateSnapshot, cmds []models.Command) error {
	for i, cmd := range cmds {
		if err := applyOne(state, cmd); err != nil {
			return fmt.Errorf("command %d (%s): %w", i, cmd.Name(), err)
		}
	}
	return nil
}

func applyOne(state *models.StateSnapshot, cmd models.Command) error {
	switch c := cmd.(type) {
	case models.SetScene:
		state.SceneID = c.SceneID
		if c.ClearStage {
			state.Characters = nil
		}
		return nil

	case models.AddCharacter:
		if state.HasCharacter(c.CharacterID) {
			return apperrors.NewInvalidTransitionError(
				fmt.Sprintf("character %q is already on stage", c.CharacterID))
		}
		state.Characters = append(state.Characters, models.CharacterState{
			ID:           c.CharacterID,
			OutfitID:     c.OutfitID,
			ExpressionID: c.ExpressionID,
		})
		return nil

	case models.SetOutfit:
		character, ok := state.Character(c.CharacterID)
		if !ok {
			return notOnStage(c.CharacterID)
		}
		character.OutfitID = c.OutfitID
		return nil

	case models.SetExpression:
		character, ok := state.Character(c.CharacterID)
		if !ok {
			return notOnStage(c.CharacterID)
		}
		character.ExpressionID = c.ExpressionID
		return nil

	case models.RemoveCharacter:
		for i := range state.Characters {
			if state.Characters[i].ID == c.CharacterID {
				state.Characters = append(state.Characters[:i], state.Characters[i+1:]...)
				return nil
			}
		}
		return notOnStage(c.CharacterID)

	default:
		return apperrors.NewInvalidTransitionError(fmt.Sprintf("unsupported command %T", cmd))
	}
}

func notOnStage(id string) error {
	return apperrors.NewInvalidTransitionError(fmt.Sprintf("character %q is not on stage", id))
}

// Delta returns the minimal command sequence that transforms b into a.
//
// Order: scene change, additions, outfit/expression changes, removals. When the
// scene changes and a has nobody on stage, the whole transition is a single
// clearing SetScene instead of one RemoveCharacter per character.
func Delta(a, b models.StateSnapshot) models.Commands {
	var out models.Commands

	if a.SceneID != b.SceneID {
		if len(a.Characters) == 0 {
			return models.Commands{models.SetScene{SceneID: a.SceneID, ClearStage: true}}
		}
		out = append(out, models.SetScene{SceneID: a.SceneID})
	}

	for _, target := range a.Characters {
		if !b.HasCharacter(target.ID) {
			out = append(out, models.AddCharacter{
				CharacterID:  target.ID,
				OutfitID:     target.OutfitID,
				ExpressionID: target.ExpressionID,
			})
		}
	}

	for _, target := range a.Characters {
		current, ok := b.Character(target.ID)
		if !ok {
			continue
		}
		if current.OutfitID != target.OutfitID {
			out = append(out, models.SetOutfit{CharacterID: target.ID, OutfitID: target.OutfitID})
		}
		if current.ExpressionID != target.ExpressionID {
			out = append(out, models.SetExpression{CharacterID: target.ID, ExpressionID: target.ExpressionID})
		}
	}

	for _, existing := range b.Characters {
		if !a.HasCharacter(existing.ID) {
			out = append(out, models.RemoveCharacter{CharacterID: existing.ID})
		}
	}

	return out
}

// Equivalent applies both sequences to independent clones of base and
// compares the results. A sequence that fails to apply is never equivalent.
func Equivalent(base models.StateSnapshot, a, b []models.Command) bool {
	left := base.Clone()
	if err := Apply(&left, a); err != nil {
		return false
	}
	right := base.Clone()
	if err := Apply(&right, b); err != nil {
		return false
	}
	return left.Equal(right)
}

// ApplyAll is Apply on a clone; base is left untouched.
func ApplyAll(base models.StateSnapshot, cmds []models.Command) (models.StateSnapshot, error) {
	out := base.Clone()
	if err := Apply(&out, cmds); err != nil {
		return base, err
	}
	return out, nil
}
