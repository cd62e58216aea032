// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package tools

import (
	"context"

	"github.com/AleutianAI/AleutianConverse/services/router/flow"
)

// Invoker is the backend boundary for the builtin catalog tools. One
// implementation talks to the commerce backend; tests substitute scripted
// results.
type Invoker interface {
	Invoke(ctx context.Context, action string, args map[string]any) (*Result, error)
}

// BuiltinDefinitions declares the schema for every action in the state
// machine vocabulary. Schemas live here, in code, so the registry can be
// validated against the vocabulary at startup.
func BuiltinDefinitions(invoker Invoker) []Definition {
	handler := func(action string) HandlerFunc {
		return func(ctx context.Context, call Call) (*Result, error) {
			return invoker.Invoke(ctx, action, call.Args)
		}
	}

	offeringID := ParamDef{
		Name: "offering_id", Type: "string", Required: true,
		Description: "Identifier of the offering.",
	}

	return []Definition{
		{
			Name:        flow.ActionSearchOfferings,
			Description: "Search the catalog for offerings matching a free-text query.",
			Capability:  CapabilityReadOnly,
			Handler:     handler(flow.ActionSearchOfferings),
			Params: []ParamDef{
				{Name: "search_query", Type: "string", Required: true,
					Description: "Free-text description of what the user wants."},
				{Name: "category", Type: "string",
					Description: "Optional category to restrict the search to."},
			},
		},
		{
			Name:        flow.ActionFilterResults,
			Description: "Narrow the current result set by attribute constraints.",
			Capability:  CapabilityReadOnly,
			Handler:     handler(flow.ActionFilterResults),
			Params: []ParamDef{
				{Name: "max_price", Type: "number",
					Description: "Upper price bound."},
				{Name: "min_price", Type: "number",
					Description: "Lower price bound."},
				{Name: "category", Type: "string",
					Description: "Category constraint."},
			},
		},
		{
			Name:        flow.ActionGetDetails,
			Description: "Fetch the full detail record for one offering.",
			Capability:  CapabilityReadOnly,
			Handler:     handler(flow.ActionGetDetails),
			Params:      []ParamDef{offeringID},
		},
		{
			Name:        flow.ActionCompareOfferings,
			Description: "Compare two or more offerings side by side.",
			Capability:  CapabilityReadOnly,
			Handler:     handler(flow.ActionCompareOfferings),
			Params: []ParamDef{
				{Name: "offering_ids", Type: "array", Required: true,
					Description: "Identifiers of the offerings to compare."},
			},
		},
		{
			Name:        flow.ActionCheckPrice,
			Description: "Look up the current price of an offering.",
			Capability:  CapabilityReadOnly,
			Handler:     handler(flow.ActionCheckPrice),
			Params:      []ParamDef{offeringID},
		},
		{
			Name:        flow.ActionCheckAvailability,
			Description: "Check whether an offering is currently available.",
			Capability:  CapabilityReadOnly,
			Handler:     handler(flow.ActionCheckAvailability),
			Params: []ParamDef{
				offeringID,
				{Name: "postal_code", Type: "string",
					Description: "Delivery area to check against."},
			},
		},
		{
			Name:        flow.ActionGetMarketData,
			Description: "Retrieve market statistics for a category or offering.",
			Capability:  CapabilityReadOnly,
			Handler:     handler(flow.ActionGetMarketData),
			Params: []ParamDef{
				{Name: "category", Type: "string", Required: true,
					Description: "Category to report on."},
			},
		},
		{
			Name:        flow.ActionScoreCredit,
			Description: "Run a credit pre-qualification for the customer.",
			Capability:  CapabilityMutating,
			Handler:     handler(flow.ActionScoreCredit),
			Params: []ParamDef{
				{Name: "customer_ref", Type: "string", Required: true,
					Description: "Opaque customer reference supplied by the channel."},
			},
		},
		{
			Name:        flow.ActionEstimateValuation,
			Description: "Estimate the value of an asset the customer describes.",
			Capability:  CapabilityReadOnly,
			Handler:     handler(flow.ActionEstimateValuation),
			Params: []ParamDef{
				{Name: "asset_description", Type: "string", Required: true,
					Description: "Free-text description of the asset."},
			},
		},
		{
			Name:        flow.ActionRunAssessment,
			Description: "Run an eligibility assessment for the current offering.",
			Capability:  CapabilityMutating,
			Handler:     handler(flow.ActionRunAssessment),
			Params: []ParamDef{
				offeringID,
				{Name: "customer_ref", Type: "string", Required: true,
					Description: "Opaque customer reference supplied by the channel."},
			},
		},
		{
			Name:        flow.ActionSubmitOrder,
			Description: "Submit the order for the selected offering. Irreversible.",
			Capability:  CapabilityMutating,
			Handler:     handler(flow.ActionSubmitOrder),
			Params: []ParamDef{
				offeringID,
				{Name: "quantity", Type: "integer",
					Description: "Number of units. Defaults to 1."},
			},
		},
	}
}

// NewBuiltinRegistry registers every builtin definition, seals the
// registry, and validates coverage against the state machine vocabulary.
func NewBuiltinRegistry(invoker Invoker, machine *flow.StateMachine) (*Registry, error) {
	registry := NewRegistry()
	for _, def := range BuiltinDefinitions(invoker) {
		if err := registry.Register(def); err != nil {
			return nil, err
		}
	}
	registry.Seal()
	if err := registry.ValidateCoverage(machine.ActionVocabulary()); err != nil {
		return nil, err
	}
	return registry, nil
}
