package types

type Token uint32
type Tokens []Token
type TokenMap map[string]Token

// Pair is a merge rule: two adjacent byte-level symbols that become one.
type Pair struct {
	Left  string
	Right string
}

func (p Pair) Merged() string {
	return p.Left + p.Right
}

func (p Pair) String() string {
	return p.Left + " " + p.Right
}
