// Package config loads the provisioning catalog and the process settings.
//
// A catalog may be written in YAML, JSON (comments and trailing commas are
// accepted) or CUE. Every format is normalized to JSON, checked against the
// #Catalog CUE definition, decoded strictly and validated field by field:
//
//	catalog, err := config.LoadCatalog("catalog.yaml")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	resources, err := catalog.Resources(config.ResourceOptions{})
//
// Errors carry the file and field path they refer to. Settings such as the
// service principal and API endpoints come from environment variables.
package config
