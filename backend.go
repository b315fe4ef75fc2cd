package writeq

import "context"

// Fixed 1-based column layout shared by every backend.
const (
	ColDate = iota + 1
	ColNumber
	ColCompany
	ColGross
	ColType
	ColVAT
	ColNet
	ColCategory
	ColUser
	ColStatus
	ColFile

	columnCount = ColFile
)

// Bot-side invoice statuses as stored in the STATUS column.
const (
	StatusNew     = "new"
	StatusToCheck = "to check"
	StatusChecked = "checked"
	StatusSent    = "sent"
)

// Backend is the uniform contract over the tabular and REST record stores.
// Row numbers are 1-based and row 1 is the header.
type Backend interface {
	Kind() BackendKind
	AppendRow(ctx context.Context, userID int64, values []string, opt ValueInputOption) (int, error)
	UpdateCell(ctx context.Context, userID int64, rowNo, col int, value string) error
	GetAllValues(ctx context.Context, userID int64) ([][]string, error)
	GetRow(ctx context.Context, userID int64, rowNo int) ([]string, error)
	NextRow(ctx context.Context, userID int64) (int, error)
}

func validateCell(rowNo, col int) error {
	if rowNo < 1 {
		return validationErrorf("row %d out of range", rowNo)
	}
	if col < 1 {
		return validationErrorf("column %d out of range", col)
	}
	return nil
}

// padRow returns a copy of values extended to the full column layout.
func padRow(values []string) []string {
	n := len(values)
	if n < columnCount {
		n = columnCount
	}
	out := make([]string, n)
	copy(out, values)
	return out
}
