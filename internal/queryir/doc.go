// Package queryir is the query representation that stores push down to
// their database when listing a collection.
//
// A fetch filter is parsed by package remote and always evaluated there, in
// Go, over the listed records. Stores narrow the listing first by
// translating the clauses that have an exact database form into a Select:
//
//	[fetch filter] → remote.Filter → queryir.Select → [querysql]
//	                              ↘ remote.Apply (authoritative)
//
// A Select may therefore keep records the filter rejects, but it must never
// drop one the filter keeps. Only string equality on metadata columns or on
// top-level and nested data fields is pushed down; every other clause stays
// in Go.
//
// Query and Predicate are sealed interfaces using the marker method
// pattern, so backends can switch over them exhaustively:
//
//	switch p := pred.(type) {
//	case Equals:
//	    // column or data path = literal
//	case And:
//	    // conjunction
//	}
package queryir
