package table

// Matrix is an in-memory Grid backed by a slice of rows. Ragged rows are allowed.
type Matrix [][]any

// LastRow implements Grid.
func (m Matrix) LastRow() int {
	for r := len(m) - 1; r >= 0; r-- {
		if !blankRow(m[r]) {
			return r
		}
	}
	return -1
}

// LastColumn implements Grid.
func (m Matrix) LastColumn() int {
	last := -1
	for _, row := range m {
		for c := len(row) - 1; c > last; c-- {
			if !blankCell(row[c]) {
				last = c
				break
			}
		}
	}
	return last
}

// Cell implements Grid.
func (m Matrix) Cell(row, col int) any {
	if row < 0 || row >= len(m) || col < 0 || col >= len(m[row]) {
		return nil
	}
	return m[row][col]
}

func blankRow(row []any) bool {
	for _, v := range row {
		if !blankCell(v) {
			return false
		}
	}
	return true
}

func blankCell(v any) bool {
	if v == nil {
		return true
	}
	s, ok := v.(string)
	return ok && s == ""
}
