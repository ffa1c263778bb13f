package sqlguard

import (
	"strings"

	pg_query "github.com/pganalyze/pg_query_go/v6"
)

var leadingKeywords = map[string]bool{
	"SELECT":  true,
	"WITH":    true,
	"EXPLAIN": true,
}

// mutatingKeywords are rejected wherever they appear as keywords, including
// inside CTEs and subqueries. String literals, quoted identifiers and
// comments are separate tokens and do not match.
var mutatingKeywords = map[string]bool{
	"INSERT":   true,
	"UPDATE":   true,
	"DELETE":   true,
	"DROP":     true,
	"ALTER":    true,
	"TRUNCATE": true,
	"GRANT":    true,
	"REVOKE":   true,
	"CREATE":   true,
	"MERGE":    true,
}

func isComment(tok *pg_query.ScanToken) bool {
	return tok.GetToken() == pg_query.Token_SQL_COMMENT || tok.GetToken() == pg_query.Token_C_COMMENT
}

// checkTokens runs the lexical checks: leading keyword allow-list and the
// mutating keyword deny-list.
func checkTokens(sqlText string) (Verdict, bool) {
	scanned, err := pg_query.Scan(sqlText)
	if err != nil {
		return reject("could not tokenize SQL: %s", parseMessage(err)), false
	}

	leading := ""
	for _, tok := range scanned.GetTokens() {
		if isComment(tok) {
			continue
		}
		text := strings.ToUpper(sqlText[tok.GetStart():tok.GetEnd()])
		if leading == "" {
			leading = text
			if !leadingKeywords[leading] {
				return reject("statement must start with SELECT, WITH or EXPLAIN, found %q", leading), false
			}
		}
		if tok.GetKeywordKind() != pg_query.KeywordKind_NO_KEYWORD && mutatingKeywords[text] {
			return reject("statement contains prohibited keyword %s", text), false
		}
	}
	if leading == "" {
		return reject("empty statement"), false
	}
	return Verdict{}, true
}
