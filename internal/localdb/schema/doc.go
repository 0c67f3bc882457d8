// Package schema defines the table registry for the local record store.
//
// # Overview
//
// Every table the store can hold is declared up front as an ordered list of
// typed columns. The store itself is schema-agnostic: records are persisted as
// a JSON field set, and the registry is the single place that knows which
// columns a table has and what values they accept.
//
// # Registry Files
//
// Registries are YAML documents:
//
//	tables:
//	  - name: animals
//	    columns:
//	      - {name: tenantId, type: string}
//	      - {name: internalCode, type: string}
//	      - {name: birthDate, type: date, nullable: true}
//
// Supported column types:
//   - string  - UTF-8 text
//   - number  - stored as float64
//   - boolean - true/false
//   - date    - "2006-01-02" or RFC3339 text
//   - json    - any JSON value (objects, arrays, scalars)
//
// The farm schema used by the CLI is embedded and returned by Default().
//
// # Usage Examples
//
// Loading a registry and normalizing a field set:
//
//	reg, err := schema.LoadFile("schema.yaml")
//	if err != nil {
//	    return err
//	}
//	if err := reg.Validate(); err != nil {
//	    return err
//	}
//	animals, err := reg.Table("animals")
//	if err != nil {
//	    return err
//	}
//	fields, err := animals.Normalize(schema.Fields{"internalCode": "PQ-001", "sex": "male"})
//
// # Reserved Names
//
// The wire format flattens fields next to the record metadata, so the column
// names id, createdAt, updatedAt, deletedAt and syncStatus are rejected.
package schema
