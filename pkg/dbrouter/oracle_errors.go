package dbrouter

import (
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/amila-ai/amila/pkg/resilience"
)

// BackendError is the user-facing normalization of a database error.
type BackendError struct {
	ErrorCode   string `json:"error_code"`
	Title       string `json:"title"`
	Explanation string `json:"explanation"`
	Suggestion  string `json:"suggestion"`
}

func (e *BackendError) Error() string {
	return fmt.Sprintf("%s: %s", e.ErrorCode, e.Title)
}

var oraCodePattern = regexp.MustCompile(`ORA-\d{5}`)

type oraEntry struct {
	title       string
	explanation string
	suggestion  string
	recoverable bool
}

var oraCatalog = map[string]oraEntry{
	"ORA-00904": {
		title:       "Invalid identifier",
		explanation: "The query references a column that does not exist in the table.",
		suggestion:  "Check the column name against the table schema.",
	},
	"ORA-00942": {
		title:       "Table or view does not exist",
		explanation: "The query references a table or view the schema does not contain, or the user lacks privileges on it.",
		suggestion:  "Verify the table name and the connection's schema grants.",
	},
	"ORA-00933": {
		title:       "SQL command not properly ended",
		explanation: "The statement has a syntax error, often a misplaced clause or a dialect mismatch.",
		suggestion:  "Review the statement structure for the Oracle dialect.",
	},
	"ORA-01017": {
		title:       "Invalid username or password",
		explanation: "The configured connection credentials were rejected.",
		suggestion:  "Update the connection credentials.",
	},
	"ORA-01013": {
		title:       "Operation cancelled",
		explanation: "The statement was cancelled, usually by a timeout.",
		suggestion:  "Narrow the query or retry during lower load.",
		recoverable: true,
	},
	"ORA-00060": {
		title:       "Deadlock detected",
		explanation: "The statement was chosen as a deadlock victim.",
		suggestion:  "Retry the statement.",
		recoverable: true,
	},
	"ORA-01555": {
		title:       "Snapshot too old",
		explanation: "A long-running read could not reconstruct a consistent snapshot.",
		suggestion:  "Retry, or narrow the query's time range.",
		recoverable: true,
	},
	"ORA-01652": {
		title:       "Unable to extend temp segment",
		explanation: "The statement exhausted temporary tablespace, typically from a large sort or join.",
		suggestion:  "Add filters or reduce the selected columns to shrink the working set.",
	},
	"ORA-03113": {
		title:       "Lost connection to database",
		explanation: "The connection to the database server was dropped mid-statement.",
		suggestion:  "Retry; if it persists, check database availability.",
		recoverable: true,
	},
	"ORA-03114": {
		title:       "Not connected to database",
		explanation: "The session is no longer connected to the database.",
		suggestion:  "Retry; the connection pool will re-establish the session.",
		recoverable: true,
	},
	"ORA-12170": {
		title:       "Connection timed out",
		explanation: "The database did not respond within the connect timeout.",
		suggestion:  "Retry; if it persists, check network path and listener load.",
		recoverable: true,
	},
	"ORA-12541": {
		title:       "No listener",
		explanation: "Nothing is listening at the configured database address.",
		suggestion:  "Check the database host, port, and listener status.",
		recoverable: true,
	},
}

// NormalizeOracleError maps a raw Oracle error message to a typed resilience
// error carrying a user-facing BackendError. Unknown ORA- codes are treated
// as non-recoverable with the raw message as explanation.
func NormalizeOracleError(stage, message string) *resilience.Error {
	code := oraCodePattern.FindString(message)
	if code == "" {
		return classifyGenericError(stage, message)
	}

	entry, known := oraCatalog[code]
	if !known {
		entry = oraEntry{
			title:       "Database error",
			explanation: message,
			suggestion:  "Review the statement or contact the database administrator.",
		}
	}
	kind := resilience.KindDBNonRecoverable
	if entry.recoverable {
		kind = resilience.KindDBRecoverable
	}
	return &resilience.Error{
		Kind:  kind,
		Stage: stage,
		Code:  code,
		Err: &BackendError{
			ErrorCode:   code,
			Title:       entry.title,
			Explanation: entry.explanation,
			Suggestion:  entry.suggestion,
		},
	}
}

// Transient message fragments for backends without a structured code
// catalog (doris, postgres, gateway transport failures).
var transientFragments = []string{
	"connection refused",
	"connection reset",
	"broken pipe",
	"i/o timeout",
	"timeout",
	"timed out",
	"too many connections",
	"eof",
	"temporarily unavailable",
}

func classifyGenericError(stage, message string) *resilience.Error {
	lower := strings.ToLower(message)
	for _, frag := range transientFragments {
		if strings.Contains(lower, frag) {
			return resilience.NewError(resilience.KindDBRecoverable, stage, errors.New(message))
		}
	}
	return resilience.NewError(resilience.KindDBNonRecoverable, stage, errors.New(message))
}
