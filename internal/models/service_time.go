package models

// DefaultCategory is assumed for tickets that carry no category.
const DefaultCategory = "General"

// DefaultServiceMinutes applies to categories missing from the table.
const DefaultServiceMinutes = 10

type categoryDuration struct {
	name    string
	minutes int
}

// Order matters: it is the order categories are offered to callers.
var serviceTimeTable = []categoryDuration{
	{"Emergency", 3},
	{"Fever", 2},
	{"Headache", 5},
	{"General", 10},
	{"General Medicine", 8},
	{"Cardiology", 15},
}

var serviceTimeIndex = func() map[string]int {
	m := make(map[string]int, len(serviceTimeTable))
	for _, c := range serviceTimeTable {
		m[c.name] = c.minutes
	}
	return m
}()

// ServiceMinutes returns the expected service duration of a category in minutes.
func ServiceMinutes(category string) int {
	if category == "" {
		category = DefaultCategory
	}
	if m, ok := serviceTimeIndex[category]; ok {
		return m
	}
	return DefaultServiceMinutes
}

// ServiceTimes returns a fresh copy of the category to minutes table.
func ServiceTimes() map[string]int {
	m := make(map[string]int, len(serviceTimeIndex))
	for k, v := range serviceTimeIndex {
		m[k] = v
	}
	return m
}

// Categories lists the known categories in display order.
func Categories() []string {
	out := make([]string, 0, len(serviceTimeTable))
	for _, c := range serviceTimeTable {
		out = append(out, c.name)
	}
	return out
}
