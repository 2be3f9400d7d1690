package p4

import "strconv"

// FuncKey is the rpc pseudo-variable the server attaches to every tagged
// dictionary. It never describes file data.
const FuncKey = "func"

// Pair is one variable of a tagged dictionary.
type Pair struct {
	Key   string
	Value string
}

// Dict is a tagged dictionary in server order.
type Dict []Pair

// NewDict builds a Dict from alternating key and value arguments.
// A trailing key without a value is ignored.
func NewDict(kv ...string) Dict {
	dict := make(Dict, 0, len(kv)/2)

	for i := 0; i+1 < len(kv); i += 2 {
		dict = append(dict, Pair{Key: kv[i], Value: kv[i+1]})
	}

	return dict
}

// Lookup returns the value of the first variable named key.
func (d Dict) Lookup(key string) (string, bool) {
	for _, p := range d {
		if p.Key == key {
			return p.Value, true
		}
	}

	return "", false
}

// Map indexes the dictionary by key, skipping FuncKey.
// Later duplicates overwrite earlier ones.
func (d Dict) Map() map[string]string {
	pairs := make(map[string]string, len(d))

	for _, p := range d {
		if p.Key == FuncKey {
			continue
		}

		pairs[p.Key] = p.Value
	}

	return pairs
}

// Response is the tagged output of one server command.
type Response struct {
	// Stats holds the tagged dictionaries in arrival order.
	Stats []Dict

	// Partial is set when the server delivered one file record per
	// dictionary instead of a single dictionary carrying every index.
	Partial bool
}

// IndexedKey returns the indexed variable name used by describe output,
// e.g. IndexedKey("depotFile", 3) == "depotFile3".
func IndexedKey(name string, index int) string {
	return name + strconv.Itoa(index)
}
