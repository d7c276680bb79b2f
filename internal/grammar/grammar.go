// Package grammar synthesizes GBNF grammars that restrict model output to
// transitions that are legal for the current stage, and encodes/decodes the
// text protocol the grammars describe.
//
// Grammars are a pure function of mutable state and must be rebuilt before
// every inference call.
package grammar

import (
	"encoding/hex"
	"fmt"
	"regexp"
	"strings"

	"github.com/Corphon/SceneWeaver/internal/models"
)

// Terminator ends every director response.
const Terminator = "end"

// ClearStageFlag is the bare token that marks a clearing setScene.
const ClearStageFlag = "clearStage"

type rule struct {
	name string
	alts []string
}

type builder struct {
	rules []rule
}

func (b *builder) add(name string, alts ...string) {
	b.rules = append(b.rules, rule{name: name, alts: alts})
}

func (b *builder) String() string {
	var sb strings.Builder
	for _, r := range b.rules {
		sb.WriteString(r.name)
		sb.WriteString(" ::= ")
		sb.WriteString(strings.Join(r.alts, " | "))
		sb.WriteString("\n")
	}
	return sb.String()
}

// BuildDirectorGrammar returns a grammar accepting zero or more command lines
// followed by the terminator. enabled limits which absent characters may be
// added; nil means every scenario character.
//
// A top-level alternative whose option set is empty is omitted entirely.
func BuildDirectorGrammar(s *models.Scenario, state models.StateSnapshot, enabled []string) string {
	b := &builder{}
	var top []string

	// setScene: every scene but the current one.
	var scenes []string
	for _, id := range models.SortedKeys(s.Scenes) {
		if id != state.SceneID {
			scenes = append(scenes, literal(quote(id)))
		}
	}
	if len(scenes) > 0 {
		top = append(top, "setScene")
		setScene := literal("setScene(") + " scene-id "
		// clearing the stage would take the main character with it
		if !state.HasCharacter(s.MainCharacterID) {
			setScene += "( " + literal(", "+ClearStageFlag) + " )? "
		}
		b.add("setScene", setScene+literal(")"))
		b.add("scene-id", scenes...)
	}

	// addCharacter: enabled characters absent from stage, each with its own wardrobe.
	allowed := enabledSet(enabled)
	var adds []string
	var addRules []rule
	for _, id := range models.SortedKeys(s.Characters) {
		if state.HasCharacter(id) || (allowed != nil && !allowed[id]) {
			continue
		}
		character := s.Characters[id]
		outfits := quotedAlts(character.OutfitIDs(), "")
		expressions := quotedAlts(character.Expressions, "")
		if len(outfits) == 0 || len(expressions) == 0 {
			continue
		}
		name := ruleName("add", id)
		adds = append(adds, name)
		addRules = append(addRules,
			rule{name: name, alts: []string{
				literal("addCharacter("+quote(id)+", ") + " " + ruleName("outfit", id) + " " +
					literal(", ") + " " + ruleName("expression", id) + " " + literal(")"),
			}},
			rule{name: ruleName("outfit", id), alts: outfits},
			rule{name: ruleName("expression", id), alts: expressions},
		)
	}
	if len(adds) > 0 {
		top = append(top, "addCharacter")
		b.add("addCharacter", adds...)
		b.rules = append(b.rules, addRules...)
	}

	// setOutfit / setExpression: present characters with at least one other option.
	var outfitAlts, expressionAlts []string
	var outfitRules, expressionRules []rule
	for _, present := range state.Characters {
		character, ok := s.Characters[present.ID]
		if !ok {
			continue
		}
		if others := quotedAlts(character.OutfitIDs(), present.OutfitID); len(others) > 0 {
			name := ruleName("set-outfit", present.ID)
			outfitAlts = append(outfitAlts, name)
			outfitRules = append(outfitRules,
				rule{name: name, alts: []string{
					literal("setOutfit("+quote(present.ID)+", ") + " " + ruleName("new-outfit", present.ID) + " " + literal(")"),
				}},
				rule{name: ruleName("new-outfit", present.ID), alts: others},
			)
		}
		if others := quotedAlts(character.Expressions, present.ExpressionID); len(others) > 0 {
			name := ruleName("set-expression", present.ID)
			expressionAlts = append(expressionAlts, name)
			expressionRules = append(expressionRules,
				rule{name: name, alts: []string{
					literal("setExpression("+quote(present.ID)+", ") + " " + ruleName("new-expression", present.ID) + " " + literal(")"),
				}},
				rule{name: ruleName("new-expression", present.ID), alts: others},
			)
		}
	}
	if len(outfitAlts) > 0 {
		top = append(top, "setOutfit")
		b.add("setOutfit", outfitAlts...)
		b.rules = append(b.rules, outfitRules...)
	}
	if len(expressionAlts) > 0 {
		top = append(top, "setExpression")
		b.add("setExpression", expressionAlts...)
		b.rules = append(b.rules, expressionRules...)
	}

	// removeCharacter: present characters except the protagonist.
	var removable []string
	for _, present := range state.Characters {
		if present.ID == s.MainCharacterID {
			continue
		}
		removable = append(removable, literal(quote(present.ID)))
	}
	if len(removable) > 0 {
		top = append(top, "removeCharacter")
		b.add("removeCharacter", literal("removeCharacter(")+" removable-id "+literal(")"))
		b.add("removable-id", removable...)
	}

	head := &builder{}
	if len(top) == 0 {
		head.add("root", literal(Terminator))
		return head.String()
	}
	head.add("root", "( command "+literal("\n")+" )* "+literal(Terminator))
	head.add("command", top...)
	head.rules = append(head.rules, b.rules...)
	return head.String()
}

// WriterSpeakers is the allow-list for the narrative text channel.
type WriterSpeakers struct {
	CharacterIDs []string
	Narrator     bool
}

// BuildWriterGrammar constrains output to a single "<speaker> utterance" line.
func BuildWriterGrammar(speakers WriterSpeakers) (string, error) {
	var alts []string
	for _, id := range speakers.CharacterIDs {
		if id == models.NarratorID {
			continue
		}
		alts = append(alts, literal(id))
	}
	if speakers.Narrator {
		alts = append(alts, literal(models.NarratorID))
	}
	if len(alts) == 0 {
		return "", fmt.Errorf("writer grammar needs at least one speaker")
	}

	b := &builder{}
	b.add("root", literal("<")+" speaker "+literal("> ")+" utterance")
	b.add("speaker", alts...)
	b.add("utterance", `[^\n]+`)
	return b.String(), nil
}

func enabledSet(ids []string) map[string]bool {
	if ids == nil {
		return nil
	}
	set := make(map[string]bool, len(ids))
	for _, id := range ids {
		set[id] = true
	}
	return set
}

func quotedAlts(ids []string, exclude string) []string {
	var out []string
	for _, id := range ids {
		if id == exclude {
			continue
		}
		out = append(out, literal(quote(id)))
	}
	return out
}

var plainID = regexp.MustCompile(`^[a-zA-Z0-9]+$`)

// ruleName derives a per-character rule name. Alphanumeric ids are used as is;
// any other id is hex encoded behind a double dash, which a plain id never
// produces, so distinct ids always get distinct rules.
func ruleName(prefix, id string) string {
	if plainID.MatchString(id) {
		return prefix + "-" + id
	}
	return prefix + "--" + hex.EncodeToString([]byte(id))
}

// quote renders an id the way the director protocol spells it.
func quote(id string) string {
	return `"` + strings.ReplaceAll(strings.ReplaceAll(id, `\`, `\\`), `"`, `\"`) + `"`
}

// literal renders s as a GBNF string literal.
func literal(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `"`, `\"`, "\n", `\n`, "\r", `\r`, "\t", `\t`)
	return `"` + r.Replace(s) + `"`
}
