package services

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/Corphon/SceneWeaver/internal/errors"
	"github.com/Corphon/SceneWeaver/internal/models"
)

func TestValidateDirectorOutputKeepsMainCharacterOnStage(t *testing.T) {
	s := parkScenario()
	state := startState(s)

	for name, text := range map[string]string{
		"remove":         "removeCharacter(\"alice\")\nend",
		"clearing scene": "setScene(\"park\", clearStage)\nend",
		"after other edits": "addCharacter(\"bob\", \"suit\", \"neutral\")\n" +
			"setScene(\"park\", clearStage)\nend",
	} {
		_, err := validateDirectorOutput(s, state, text)
		assert.True(t, apperrors.IsSemanticError(err), "%s: %v", name, err)
	}
	assert.True(t, state.HasCharacter("alice"))
}

func TestValidateDirectorOutputAllowsClearingWithoutMainCharacter(t *testing.T) {
	s := parkScenario()
	state := models.StateSnapshot{
		SceneID:    "home",
		Characters: []models.CharacterState{{ID: "bob", OutfitID: "suit", ExpressionID: "neutral"}},
	}

	cmds, err := validateDirectorOutput(s, state, "setScene(\"park\", clearStage)\nend")
	require.NoError(t, err)
	assert.Equal(t, models.Commands{models.SetScene{SceneID: "park", ClearStage: true}}, cmds)

	cmds, err = validateDirectorOutput(s, startState(s), "setScene(\"park\")\nsetExpression(\"alice\", \"happy\")\nend")
	require.NoError(t, err)
	assert.Len(t, cmds, 2)
}

func startState(s *models.Scenario) models.StateSnapshot {
	return models.StateSnapshot{SceneID: s.Start.SceneID, Characters: s.Start.Characters}.Clone()
}
