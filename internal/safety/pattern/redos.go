package pattern

import "regexp"

// dangerousShapes are static signatures of patterns that backtrack
// catastrophically on engines without linear-time guarantees.
var dangerousShapes = []*regexp.Regexp{
	// nested quantifiers: (a+)+, (a*)*, (a{2,})+
	regexp.MustCompile(`\([^()]*[+*}][^()]*\)[+*{]`),
	// quantified alternation: (a|b)*, (foo|foobar)+
	regexp.MustCompile(`\([^()]*\|[^()]*\)[+*{]`),
	// backreferences: \1 .. \9, \k<name>
	regexp.MustCompile(`\\[1-9]|\\k<`),
	// recursion: (?R), (?0), (?1), (?&name), \g<1>
	regexp.MustCompile(`\(\?(R|\d+|&\w+)\)|\\g<`),
}

// IsDangerousPattern reports whether pattern has a shape known to cause
// catastrophic backtracking. It is a conservative heuristic, not a proof.
func IsDangerousPattern(pattern string) bool {
	for _, shape := range dangerousShapes {
		if shape.MatchString(pattern) {
			return true
		}
	}
	return false
}
