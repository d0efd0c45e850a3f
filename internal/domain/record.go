package domain

// Field is one column value of a live table row. Null columns have Valid=false.
type Field struct {
	Name  string
	Value string
	Valid bool
}

// Record is a live table row with fields in declared column order.
type Record []Field
