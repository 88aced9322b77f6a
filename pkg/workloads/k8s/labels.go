package k8s

import (
	"sort"
	"strings"
)

// SelectorElement is a condition on one label.
type SelectorElement interface {
	QueryString(key string) string
	Equal(SelectorElement) bool
}

// LabelSelector is a set of conditions keyed by label name.
type LabelSelector map[string]SelectorElement

// QueryString builds `labelSelector` parameter of k8s api.
func (ls LabelSelector) QueryString() string {
	keys := make([]string, 0, len(ls))
	for k := range ls {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	q := make([]string, 0, len(ls))
	for _, k := range keys {
		q = append(q, ls[k].QueryString(k))
	}
	return strings.Join(q, ",")
}

// EqualityBased is a selector like `=value`, `==value` or `!=value`.
//
// Without operator, it means equality.
type EqualityBased string

func (eb EqualityBased) split() (string, string) {
	s := string(eb)
	switch {
	case strings.HasPrefix(s, "!="):
		return "!=", s[2:]
	case strings.HasPrefix(s, "=="):
		return "=", s[2:]
	case strings.HasPrefix(s, "="):
		return "=", s[1:]
	default:
		return "=", s
	}
}

func (eb EqualityBased) QueryString(key string) string {
	op, v := eb.split()
	return key + op + v
}

func (eb EqualityBased) Equal(other SelectorElement) bool {
	o, ok := other.(EqualityBased)
	if !ok {
		return false
	}
	aop, av := eb.split()
	bop, bv := o.split()
	return aop == bop && av == bv
}

// LabelsToSelector makes a selector matching all given labels.
func LabelsToSelector(labels map[string]string) LabelSelector {
	ls := LabelSelector{}
	for k, v := range labels {
		ls[k] = EqualityBased(v)
	}
	return ls
}
