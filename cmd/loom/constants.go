package main

// Output format constants.
const (
	jsonFormat = "json"
	yamlFormat = "yaml"
	textFormat = "text"
)
