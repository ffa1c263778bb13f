package sqlguard

import (
	"strings"

	pg_query "github.com/pganalyze/pg_query_go/v6"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/reflect/protoreflect"
)

// systemSchemas hold server metadata and are off limits unless allow-listed.
var systemSchemas = map[string]bool{
	"pg_catalog":         true,
	"information_schema": true,
	"pg_toast":           true,
}

// prohibitedFunctions can sleep, touch the server filesystem, signal other
// backends, change settings, mutate sequences, reach other databases, or run
// a query given as a string.
var prohibitedFunctions = map[string]bool{
	"pg_sleep":                   true,
	"pg_sleep_for":               true,
	"pg_sleep_until":             true,
	"pg_read_file":               true,
	"pg_read_binary_file":        true,
	"pg_ls_dir":                  true,
	"pg_stat_file":               true,
	"pg_terminate_backend":       true,
	"pg_cancel_backend":          true,
	"pg_reload_conf":             true,
	"pg_rotate_logfile":          true,
	"pg_switch_wal":              true,
	"pg_create_restore_point":    true,
	"pg_notify":                  true,
	"pg_logical_emit_message":    true,
	"pg_advisory_lock":           true,
	"pg_advisory_xact_lock":      true,
	"set_config":                 true,
	"nextval":                    true,
	"setval":                     true,
	"lo_import":                  true,
	"lo_export":                  true,
	"lo_unlink":                  true,
	"lo_create":                  true,
	"dblink":                     true,
	"dblink_exec":                true,
	"dblink_connect":             true,
	"query_to_xml":               true,
	"query_to_xml_and_xmlschema": true,
	"cursor_to_xml":              true,
	"table_to_xml":               true,
	"database_to_xml":            true,
	"schema_to_xml":              true,
	"ts_stat":                    true,
}

var aggregateFunctions = map[string]bool{
	"count":      true,
	"sum":        true,
	"avg":        true,
	"min":        true,
	"max":        true,
	"array_agg":  true,
	"string_agg": true,
	"json_agg":   true,
	"jsonb_agg":  true,
	"bool_and":   true,
	"bool_or":    true,
	"every":      true,
	"stddev":     true,
	"variance":   true,
}

// inspector walks every message of a parse tree and records the first
// policy violation.
type inspector struct {
	allowedSchemas map[string]bool
	reason         string
	aggregate      bool
}

func (in *inspector) walk(m protoreflect.Message) {
	if in.reason != "" || !m.IsValid() {
		return
	}
	in.visit(m.Interface())
	m.Range(func(fd protoreflect.FieldDescriptor, v protoreflect.Value) bool {
		if fd.Kind() != protoreflect.MessageKind || fd.IsMap() {
			return true
		}
		if fd.IsList() {
			list := v.List()
			for i := 0; i < list.Len(); i++ {
				in.walk(list.Get(i).Message())
			}
		} else {
			in.walk(v.Message())
		}
		return in.reason == ""
	})
}

func (in *inspector) visit(msg proto.Message) {
	switch n := msg.(type) {
	case *pg_query.InsertStmt, *pg_query.UpdateStmt, *pg_query.DeleteStmt, *pg_query.MergeStmt:
		in.reason = "data-modifying statements are not allowed"
	case *pg_query.SelectStmt:
		if n.GetIntoClause() != nil {
			in.reason = "SELECT INTO creates a table and is not allowed"
		}
		if len(n.GetLockingClause()) > 0 {
			in.reason = "row locking clauses are not allowed"
		}
		if len(n.GetGroupClause()) > 0 || n.GetHavingClause() != nil {
			in.aggregate = true
		}
	case *pg_query.RangeVar:
		in.checkRelation(n)
	case *pg_query.FuncCall:
		in.checkFunction(n)
	}
}

func (in *inspector) checkRelation(rv *pg_query.RangeVar) {
	schema := strings.ToLower(rv.GetSchemaname())
	rel := strings.ToLower(rv.GetRelname())
	switch {
	case systemSchemas[schema] && !in.allowedSchemas[schema]:
		in.reason = "references system schema " + schema
	case schema == "" && strings.HasPrefix(rel, "pg_") && !in.allowedSchemas["pg_catalog"]:
		in.reason = "references system catalog " + rel
	}
}

func (in *inspector) checkFunction(fc *pg_query.FuncCall) {
	name := functionName(fc)
	if prohibitedFunctions[name] {
		in.reason = "calls prohibited function " + name
		return
	}
	if fc.GetOver() != nil {
		return
	}
	if fc.GetAggStar() || aggregateFunctions[name] {
		in.aggregate = true
	}
}

// functionName returns the unqualified, lower-cased function name.
func functionName(fc *pg_query.FuncCall) string {
	parts := fc.GetFuncname()
	if len(parts) == 0 {
		return ""
	}
	if s, ok := parts[len(parts)-1].GetNode().(*pg_query.Node_String_); ok {
		return strings.ToLower(s.String_.GetSval())
	}
	return ""
}
