// internal/services/prompts.go
package services

import (
	"fmt"
	"strings"

	"github.com/Corphon/SceneWeaver/internal/grammar"
	"github.com/Corphon/SceneWeaver/internal/models"
	"github.com/Corphon/SceneWeaver/internal/stage"
)

// Step 历史中的一步：写手文本和生效的导演命令
type Step struct {
	Writer models.WriterUpdate
	Code   models.Commands
}

func writerLine(u models.WriterUpdate) string {
	return grammar.RenderWriterLine(u.CharacterID, u.Text)
}

// describeScenario 两个角色共用的剧本介绍
func describeScenario(s *models.Scenario) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "# %s\n\n%s\n", s.Name, strings.TrimSpace(s.Setting))

	sb.WriteString("\n## Scenes\n")
	for _, id := range models.SortedKeys(s.Scenes) {
		scene := s.Scenes[id]
		fmt.Fprintf(&sb, "- %s: %s. %s\n", id, scene.Name, strings.TrimSpace(scene.Description))
	}

	sb.WriteString("\n## Characters\n")
	for _, id := range models.SortedKeys(s.Characters) {
		c := s.Characters[id]
		fmt.Fprintf(&sb, "- %s: %s. %s", id, c.Name, strings.TrimSpace(c.Description))
		if c.Personality != "" {
			fmt.Fprintf(&sb, " Personality: %s", c.Personality)
		}
		if id == s.MainCharacterID {
			sb.WriteString(" (main character)")
		}
		sb.WriteString("\n")
	}
	return sb.String()
}

// writerStaticPrompt 写手的静态提示词，只依赖剧本
func writerStaticPrompt(s *models.Scenario) string {
	var sb strings.Builder
	sb.WriteString("You are the writer of an interactive story. Continue the story one line at a time.\n")
	sb.WriteString("Each line is \"<speaker> text\" where speaker is a character id, or ")
	sb.WriteString(models.NarratorID)
	sb.WriteString(" for narration.\n\n")
	sb.WriteString(describeScenario(s))
	return sb.String()
}

// writerDynamicPrompt 摘要加上当前检查点以来的故事行
func writerDynamicPrompt(summary *string, history []Step) string {
	var sb strings.Builder
	if summary != nil && *summary != "" {
		sb.WriteString("\n## Summary\n")
		sb.WriteString(strings.TrimSpace(*summary))
		sb.WriteString("\n")
	}
	sb.WriteString("\n## Story")
	for _, step := range history {
		sb.WriteString("\n")
		sb.WriteString(writerLine(step.Writer))
	}
	return sb.String()
}

func summaryPrompt(budget int) string {
	return fmt.Sprintf("\n\n## Task\nSummarize the story so far, including the summary above, in at most %d tokens.\nSummary:", budget)
}

// directorStaticPrompt 导演的静态提示词：命令词汇和剧本资源
func directorStaticPrompt(s *models.Scenario) string {
	var sb strings.Builder
	sb.WriteString("You are the director of an interactive story. After each story line, write the stage commands it implies, one per line, then ")
	sb.WriteString(grammar.Terminator)
	sb.WriteString(".\n\n## Commands\n")
	sb.WriteString(`setScene("scene")` + "\n")
	sb.WriteString(`setScene("scene", ` + grammar.ClearStageFlag + `)` + "\n")
	sb.WriteString(`addCharacter("character", "outfit", "expression")` + "\n")
	sb.WriteString(`setOutfit("character", "outfit")` + "\n")
	sb.WriteString(`setExpression("character", "expression")` + "\n")
	sb.WriteString(`removeCharacter("character")` + "\n\n")
	sb.WriteString(describeScenario(s))

	sb.WriteString("\n## Wardrobe\n")
	for _, id := range models.SortedKeys(s.Characters) {
		c := s.Characters[id]
		fmt.Fprintf(&sb, "- %s: outfits %s; expressions %s\n",
			id, strings.Join(c.OutfitIDs(), ", "), strings.Join(c.Expressions, ", "))
	}
	return sb.String()
}

// directorDynamicPrompt 检查点的舞台，加上此后每一步的故事行和命令
func directorDynamicPrompt(checkpoint models.StateSnapshot, history []Step) string {
	var sb strings.Builder
	sb.WriteString("\n## Stage\n")
	sb.WriteString(grammar.RenderDirectorBlock(stage.Delta(checkpoint, models.StateSnapshot{})))
	for _, step := range history {
		sb.WriteString("\n")
		sb.WriteString(writerLine(step.Writer))
		sb.WriteString("\n")
		sb.WriteString(grammar.RenderDirectorBlock(step.Code))
	}
	return sb.String()
}

func directorPrompt(line models.WriterUpdate) string {
	return "\n" + writerLine(line) + "\n"
}
