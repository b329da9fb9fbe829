package queryir

import "fmt"

// ValidationResult lists the reasons a query cannot be pushed down.
type ValidationResult struct {
	// IsPushable is true when a backend can compile the query as is.
	IsPushable bool

	// Problems is empty when IsPushable is true.
	Problems []string
}

// Validate checks a query before compilation. It has no side effects.
func Validate(query Query) ValidationResult {
	v := &validator{problems: []string{}}
	v.validateQuery(query)

	return ValidationResult{
		IsPushable: len(v.problems) == 0,
		Problems:   v.problems,
	}
}

type validator struct {
	problems []string
}

func (v *validator) addProblem(format string, args ...any) {
	v.problems = append(v.problems, fmt.Sprintf(format, args...))
}

func (v *validator) validateQuery(q Query) {
	if q == nil {
		v.addProblem("nil query")
		return
	}

	switch query := q.(type) {
	case Select:
		v.validateSelect(query)
	case *Select:
		v.validateSelect(*query)
	default:
		v.addProblem("unknown query type: %T", q)
	}
}

func (v *validator) validateSelect(sel Select) {
	if sel.Collection == "" {
		v.addProblem("select without collection")
	}
	if sel.Filter != nil {
		v.validatePredicate(sel.Filter)
	}
}

func (v *validator) validatePredicate(p Predicate) {
	switch pred := p.(type) {
	case Equals:
		v.validateEquals(pred)
	case *Equals:
		v.validateEquals(*pred)
	case And:
		v.validateAnd(pred)
	case *And:
		v.validateAnd(*pred)
	default:
		v.addProblem("unknown predicate type: %T", p)
	}
}

func (v *validator) validateEquals(eq Equals) {
	if !ValidField(eq.Field) {
		v.addProblem("field %q is not a dotted identifier path", eq.Field)
	}
}

func (v *validator) validateAnd(and And) {
	for _, sub := range and.Predicates {
		if sub == nil {
			v.addProblem("nil predicate in conjunction")
			continue
		}
		v.validatePredicate(sub)
	}
}
