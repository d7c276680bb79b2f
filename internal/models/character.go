// internal/models/character.go
package models

import "sort"

// Character 剧本中的一个角色及其可用的服装和表情
type Character struct {
	Name        string            `json:"name" yaml:"name"`
	Description string            `json:"description" yaml:"description"`
	Personality string            `json:"personality,omitempty" yaml:"personality"`
	Outfits     map[string]string `json:"outfits" yaml:"outfits"`         // outfitId -> 描述
	Expressions []string          `json:"expressions" yaml:"expressions"` // 表情ID列表
}

// HasOutfit 服装是否属于该角色
func (c Character) HasOutfit(id string) bool {
	_, ok := c.Outfits[id]
	return ok
}

// HasExpression 表情是否属于该角色
func (c Character) HasExpression(id string) bool {
	for _, e := range c.Expressions {
		if e == id {
			return true
		}
	}
	return false
}

// OutfitIDs 排序后的服装ID
func (c Character) OutfitIDs() []string {
	ids := make([]string, 0, len(c.Outfits))
	for id := range c.Outfits {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// SortedKeys 返回 map 的有序键，保证提示词和语法输出稳定
func SortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
