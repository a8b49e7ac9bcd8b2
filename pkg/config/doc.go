// Package config turns workspace files into plan service input.
//
// # Manifests
//
// A manifest declares a change set: tasks, ordered groups, clusters and
// query items. Manifests are written in CUE or HCL; ManifestLoader picks the
// parser by extension (or by the files a directory holds).
//
// CUE manifests are validated against the #Manifest definition registered
// in SchemaRegistry before being decoded:
//
//	clusters: [{id: "db", nodes: ["db1"]}]
//	tasks: [{
//		node:      "db1"
//		call_type: "Config"
//		call_id:   "postgres"
//		requires: [{kind: "item", item: "/db/postgres"}]
//	}]
//
// HCL manifests use labelled blocks and the compact reference syntax
// accepted by ParseRef ("task:<call_type>/<call_id>", "group:<id>",
// "item:<path>"):
//
//	task "db1" "Config" "postgres" {
//	  requires = ["item:/db/postgres"]
//	}
//
// # Producers
//
// A manifest may list Starlark producer scripts. Each runs against the
// manifest model and returns generated tasks and groups, which are merged
// into the change set and validated with the declared ones.
//
// # Service configuration
//
// ServiceConfig is the froyo.yaml workspace file: state directory, runner
// selection, node inventory, policy data and telemetry settings.
package config
