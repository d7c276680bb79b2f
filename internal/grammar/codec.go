package grammar

import (
	"fmt"
	"strconv"
	"strings"

	apperrors "github.com/Corphon/SceneWeaver/internal/errors"
	"github.com/Corphon/SceneWeaver/internal/models"
)

// RenderCommand spells one command in the director protocol.
func RenderCommand(cmd models.Command) string {
	switch c := cmd.(type) {
	case models.SetScene:
		if c.ClearStage {
			return fmt.Sprintf("setScene(%s, %s)", quote(c.SceneID), ClearStageFlag)
		}
		return fmt.Sprintf("setScene(%s)", quote(c.SceneID))
	case models.AddCharacter:
		return fmt.Sprintf("addCharacter(%s, %s, %s)", quote(c.CharacterID), quote(c.OutfitID), quote(c.ExpressionID))
	case models.SetOutfit:
		return fmt.Sprintf("setOutfit(%s, %s)", quote(c.CharacterID), quote(c.OutfitID))
	case models.SetExpression:
		return fmt.Sprintf("setExpression(%s, %s)", quote(c.CharacterID), quote(c.ExpressionID))
	case models.RemoveCharacter:
		return fmt.Sprintf("removeCharacter(%s)", quote(c.CharacterID))
	default:
		return fmt.Sprintf("# unsupported %T", cmd)
	}
}

// RenderDirectorBlock renders cmds one per line followed by the terminator,
// exactly as a director response would read.
func RenderDirectorBlock(cmds []models.Command) string {
	var sb strings.Builder
	for _, cmd := range cmds {
		sb.WriteString(RenderCommand(cmd))
		sb.WriteString("\n")
	}
	sb.WriteString(Terminator)
	return sb.String()
}

// ParseDirectorBlock parses a director response. The terminator is required;
// a response without one was cut off and is reported as a semantic error.
func ParseDirectorBlock(text string) (models.Commands, error) {
	lines := strings.Split(strings.TrimSpace(text), "\n")
	last := strings.TrimSpace(lines[len(lines)-1])
	if last != Terminator {
		return nil, apperrors.NewSemanticError("director output is missing the terminator", nil)
	}
	return ParseCommands(strings.Join(lines[:len(lines)-1], "\n"))
}

// ParseCommands parses newline-separated commands. Blank lines are skipped and
// parsing stops at the terminator if one is present.
func ParseCommands(text string) (models.Commands, error) {
	var out models.Commands
	for n, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if line == Terminator {
			break
		}
		cmd, err := ParseCommand(line)
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", n+1, err)
		}
		out = append(out, cmd)
	}
	return out, nil
}

// ParseCommand parses a single `name(args...)` line.
func ParseCommand(line string) (models.Command, error) {
	open := strings.IndexByte(line, '(')
	if open <= 0 || !strings.HasSuffix(line, ")") {
		return nil, apperrors.NewSemanticError(fmt.Sprintf("malformed command %q", line), nil)
	}
	name := models.CommandName(line[:open])
	args, err := splitArgs(line[open+1 : len(line)-1])
	if err != nil {
		return nil, apperrors.NewSemanticError(fmt.Sprintf("malformed arguments in %q", line), err)
	}

	want := map[models.CommandName]int{
		models.CommandSetScene:        1,
		models.CommandAddCharacter:    3,
		models.CommandSetOutfit:       2,
		models.CommandSetExpression:   2,
		models.CommandRemoveCharacter: 1,
	}
	arity, ok := want[name]
	if !ok {
		return nil, apperrors.NewSemanticError(fmt.Sprintf("unknown command %q", name), nil)
	}

	clearStage := false
	if name == models.CommandSetScene && len(args) == 2 && !args[1].quoted && args[1].value == ClearStageFlag {
		clearStage = true
		args = args[:1]
	}
	if len(args) != arity {
		return nil, apperrors.NewSemanticError(
			fmt.Sprintf("%s takes %d arguments, got %d", name, arity, len(args)), nil)
	}
	values := make([]string, len(args))
	for i, a := range args {
		if !a.quoted {
			return nil, apperrors.NewSemanticError(fmt.Sprintf("argument %d of %s must be quoted", i+1, name), nil)
		}
		values[i] = a.value
	}

	switch name {
	case models.CommandSetScene:
		return models.SetScene{SceneID: values[0], ClearStage: clearStage}, nil
	case models.CommandAddCharacter:
		return models.AddCharacter{CharacterID: values[0], OutfitID: values[1], ExpressionID: values[2]}, nil
	case models.CommandSetOutfit:
		return models.SetOutfit{CharacterID: values[0], OutfitID: values[1]}, nil
	case models.CommandSetExpression:
		return models.SetExpression{CharacterID: values[0], ExpressionID: values[1]}, nil
	default:
		return models.RemoveCharacter{CharacterID: values[0]}, nil
	}
}

type arg struct {
	value  string
	quoted bool
}

func splitArgs(s string) ([]arg, error) {
	var out []arg
	s = strings.TrimSpace(s)
	for s != "" {
		if s[0] == '"' {
			prefix, err := strconv.QuotedPrefix(s)
			if err != nil {
				return nil, err
			}
			value, err := strconv.Unquote(prefix)
			if err != nil {
				return nil, err
			}
			out = append(out, arg{value: value, quoted: true})
			s = strings.TrimSpace(s[len(prefix):])
		} else {
			end := strings.IndexByte(s, ',')
			if end < 0 {
				end = len(s)
			}
			out = append(out, arg{value: strings.TrimSpace(s[:end])})
			s = s[end:]
		}
		if s == "" {
			break
		}
		if s[0] != ',' {
			return nil, fmt.Errorf("expected ',' at %q", s)
		}
		s = strings.TrimSpace(s[1:])
		if s == "" {
			return nil, fmt.Errorf("trailing ','")
		}
	}
	return out, nil
}

// RenderWriterLine spells a narrative line. A nil speaker is the narrator.
func RenderWriterLine(speaker *string, text string) string {
	id := models.NarratorID
	if speaker != nil {
		id = *speaker
	}
	return "<" + id + "> " + text
}

// ParseWriterLine splits a writer response into speaker and text. The narrator
// id maps to a nil speaker.
func ParseWriterLine(line string) (*string, string, error) {
	line = strings.TrimRight(line, "\r\n")
	if !strings.HasPrefix(line, "<") {
		return nil, "", apperrors.NewSemanticError(fmt.Sprintf("writer line has no speaker: %q", line), nil)
	}
	end := strings.Index(line, "> ")
	if end <= 1 {
		return nil, "", apperrors.NewSemanticError(fmt.Sprintf("writer line has no speaker: %q", line), nil)
	}
	id := line[1:end]
	text := line[end+2:]
	if strings.TrimSpace(text) == "" {
		return nil, "", apperrors.NewSemanticError("writer line is empty", nil)
	}
	if strings.Contains(text, "\n") {
		return nil, "", apperrors.NewSemanticError("writer line spans multiple lines", nil)
	}
	if id == models.NarratorID {
		return nil, text, nil
	}
	return &id, text, nil
}
