package ignore

// Filter is an ordered composition of rules. Filters are threaded down a
// traversal by value: a directory that declares new rules derives its own
// filter with Copy followed by AddRule, leaving the parent's filter untouched.
//
// Adding rules only ever adds exclusions.
type Filter struct {
	rules []*Rule
}

// NewFilter returns a filter holding the given rules in order.
func NewFilter(rules ...*Rule) *Filter {
	f := &Filter{}
	for _, r := range rules {
		f.AddRule(r)
	}
	return f
}

// Copy returns a filter with its own rule list. Rules are shared.
func (f *Filter) Copy() *Filter {
	if f == nil {
		return &Filter{}
	}
	rules := make([]*Rule, len(f.rules))
	copy(rules, f.rules)
	return &Filter{rules: rules}
}

// AddRule appends r to the filter. Nil rules are ignored.
func (f *Filter) AddRule(r *Rule) {
	if r == nil {
		return
	}
	f.rules = append(f.rules, r)
}

// Rules returns a copy of the rule list.
func (f *Filter) Rules() []*Rule {
	if f == nil {
		return nil
	}
	out := make([]*Rule, len(f.rules))
	copy(out, f.rules)
	return out
}

// Len returns the number of rules.
func (f *Filter) Len() int {
	if f == nil {
		return 0
	}
	return len(f.rules)
}

// Excludes reports whether any rule matches p. Excluding a directory
// excludes its whole subtree.
func (f *Filter) Excludes(p string, isDir bool) bool {
	if f == nil {
		return false
	}
	for _, r := range f.rules {
		if r.Matches(p, isDir) {
			return true
		}
	}
	return false
}
