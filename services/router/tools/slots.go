// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package tools

import (
	"fmt"
	"strings"

	"github.com/AleutianAI/AleutianConverse/services/router/datatypes"
)

// slotAliases maps alternate slot spellings to the canonical key used in
// tool schemas. Both model output and stored slots pass through this
// table, so "product_id" and "offering_id" always land on the same slot.
var slotAliases = map[string]string{
	"product_id":  "offering_id",
	"item_id":     "offering_id",
	"listing_id":  "offering_id",
	"sku":         "offering_id",
	"query":       "search_query",
	"q":           "search_query",
	"qty":         "quantity",
	"amount":      "quantity",
	"zip":         "postal_code",
	"zip_code":    "postal_code",
	"location":    "postal_code",
	"category_id": "category",
}

// CanonicalSlotKey resolves a key through the alias table.
func CanonicalSlotKey(key string) string {
	k := strings.ToLower(strings.TrimSpace(key))
	if canonical, ok := slotAliases[k]; ok {
		return canonical
	}
	return k
}

// FillFromSlots returns a copy of args with missing schema parameters
// filled from the session's active context slots. Explicit arguments
// always win over stored slots.
func FillFromSlots(def Definition, args map[string]any, slots []datatypes.ContextSlot) map[string]any {
	filled := make(map[string]any, len(args))
	for k, v := range args {
		filled[CanonicalSlotKey(k)] = v
	}

	bySlotKey := make(map[string]string, len(slots))
	for _, slot := range slots {
		if slot.Status == datatypes.SlotActive {
			bySlotKey[CanonicalSlotKey(slot.Key)] = slot.Value
		}
	}

	for _, p := range def.Params {
		if _, present := filled[p.Name]; present {
			continue
		}
		if v, ok := bySlotKey[p.Name]; ok {
			filled[p.Name] = v
		}
	}
	return filled
}

// ValidateArgs checks required parameters and enum membership. It returns
// a user-presentable error naming the first missing parameter so the
// model can ask the user for it.
func ValidateArgs(def Definition, args map[string]any) error {
	for _, p := range def.Params {
		v, present := args[p.Name]
		if !present {
			if p.Required {
				return fmt.Errorf("missing required parameter %q", p.Name)
			}
			continue
		}
		if len(p.Enum) > 0 {
			s, ok := v.(string)
			if !ok || !containsString(p.Enum, s) {
				return fmt.Errorf("parameter %q must be one of %v", p.Name, p.Enum)
			}
		}
	}
	return nil
}

func containsString(list []string, s string) bool {
	for _, item := range list {
		if item == s {
			return true
		}
	}
	return false
}
