package model

import "sort"

// InspectionMethod tags how an ITP item is inspected.
type InspectionMethod string

const (
	MethodNumeric       InspectionMethod = "numeric"
	MethodPassFail      InspectionMethod = "pass_fail"
	MethodText          InspectionMethod = "text"
	MethodPhotoRequired InspectionMethod = "photo_required"
	MethodVisual        InspectionMethod = "visual"
	MethodMeasurement   InspectionMethod = "measurement"
)

// Template is a named, versioned ITP checklist owned by an organization.
// The engine reads templates and never mutates them.
type Template struct {
	ID             string `json:"id"`
	OrganizationID string `json:"organization_id"`
	Name           string `json:"name"`
	Version        string `json:"version"`
	Description    string `json:"description,omitempty"`
	Items          []Item `json:"items"`
}

// Item is one checklist line of a template.
type Item struct {
	ID                 string           `json:"id"`
	TemplateID         string           `json:"template_id"`
	ItemNumber         string           `json:"item_number"`
	Description        string           `json:"description"`
	InspectionMethod   InspectionMethod `json:"inspection_method"`
	AcceptanceCriteria string           `json:"acceptance_criteria,omitempty"`
	IsMandatory        bool             `json:"is_mandatory"`
	OrderIndex         int              `json:"order_index"`
}

// SortItems orders items by OrderIndex, then ItemNumber, then ID.
func SortItems(items []Item) {
	sort.SliceStable(items, func(i, j int) bool {
		a, b := items[i], items[j]
		if a.OrderIndex != b.OrderIndex {
			return a.OrderIndex < b.OrderIndex
		}
		if a.ItemNumber != b.ItemNumber {
			return a.ItemNumber < b.ItemNumber
		}
		return a.ID < b.ID
	})
}

// ItemByID returns the template item with the given id.
func (t *Template) ItemByID(id string) (Item, bool) {
	for _, it := range t.Items {
		if it.ID == id {
			return it, true
		}
	}
	return Item{}, false
}
