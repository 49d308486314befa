package payload

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecode_PreservesMemberOrder(t *testing.T) {
	v, err := Decode([]byte(`{"zeta":1,"alpha":{"b":true,"a":null},"mid":[1,"two",3.50]}`))
	require.NoError(t, err)

	assert.Equal(t, KindObject, v.Kind())
	keys := []string{}
	for _, m := range v.Members() {
		keys = append(keys, m.Key)
	}
	assert.Equal(t, []string{"zeta", "alpha", "mid"}, keys)
	assert.Equal(t, `{"zeta":1,"alpha":{"b":true,"a":null},"mid":[1,"two",3.50]}`, v.String())
}

func TestDecode_Errors(t *testing.T) {
	for _, in := range []string{``, `{`, `[1,]`, `{"a":1} {"b":2}`, `{"a" 1}`} {
		_, err := Decode([]byte(in))
		assert.Error(t, err, "input %q", in)
	}
}

func TestValue_JSONRoundTripThroughStruct(t *testing.T) {
	type envelope struct {
		Payload Value `json:"payload"`
	}
	var env envelope
	require.NoError(t, json.Unmarshal([]byte(`{"payload":[{"id":"abc-123"}]}`), &env))

	out, err := json.Marshal(env)
	require.NoError(t, err)
	assert.JSONEq(t, `{"payload":[{"id":"abc-123"}]}`, string(out))
}

func TestValue_IsEmpty(t *testing.T) {
	tests := []struct {
		name  string
		value Value
		empty bool
	}{
		{"null", Null(), true},
		{"empty list", MustDecode(`[]`), true},
		{"empty object", MustDecode(`{}`), true},
		{"list with item", MustDecode(`[{"x":1}]`), false},
		{"object with member", MustDecode(`{"x":1}`), false},
		{"empty string", String(""), false},
		{"zero", Int(0), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.empty, tt.value.IsEmpty())
		})
	}
}

func TestValue_Text(t *testing.T) {
	assert.Equal(t, "abc", String("abc").Text())
	assert.Equal(t, "12345678901234567890", MustDecode(`12345678901234567890`).Text())
	assert.Equal(t, "false", Bool(false).Text())
	assert.Equal(t, "", Null().Text())
	assert.Equal(t, `{"a":[1,2]}`, MustDecode(`{ "a" : [ 1, 2 ] }`).Text())
}

func TestObject_DuplicateKeysReplaceInPlace(t *testing.T) {
	v := Object(Member{"a", Int(1)}, Member{"b", Int(2)}, Member{"a", Int(3)})
	assert.Equal(t, `{"a":3,"b":2}`, v.String())
}

func TestFromGo(t *testing.T) {
	v, err := FromGo(map[string]interface{}{
		"b": []interface{}{1, "x", nil},
		"a": map[interface{}]interface{}{"k": true},
	})
	require.NoError(t, err)
	assert.Equal(t, `{"a":{"k":true},"b":[1,"x",null]}`, v.String())

	_, err = FromGo(struct{}{})
	assert.Error(t, err)
}

func TestParseExpression(t *testing.T) {
	tests := []struct {
		in    string
		root  Root
		index int
		path  []string
		list  bool
	}{
		{"identifier", RootDeep, 0, []string{"identifier"}, false},
		{"identifier[]", RootDeep, 0, []string{"identifier"}, true},
		{"$.total", RootTop, 0, []string{"total"}, false},
		{"$.results[]", RootTop, 0, []string{"results"}, true},
		{"$[2].setId", RootIndex, 2, []string{"setId"}, false},
		{"$[0].openfda.brand_name[]", RootIndex, 0, []string{"openfda", "brand_name"}, true},
		{" openfda.rxcui ", RootDeep, 0, []string{"openfda", "rxcui"}, false},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			e, err := ParseExpression(tt.in)
			require.NoError(t, err)
			assert.Equal(t, tt.root, e.Root)
			assert.Equal(t, tt.index, e.Index)
			assert.Equal(t, tt.path, e.Path)
			assert.Equal(t, tt.list, e.List)
		})
	}
}

func TestParseExpression_Invalid(t *testing.T) {
	for _, in := range []string{"", "[]", "$", "$.", "$[x].a", "$[-1].a", "$[0]a", "$[1", "a..b", "a[0]", "{{id}}", "a b"} {
		_, err := ParseExpression(in)
		assert.ErrorIs(t, err, ErrInvalidExpression, "input %q", in)
	}
}

func TestExtract_DeepSearchFirstMatchWins(t *testing.T) {
	root := MustDecode(`[{"identifier":"abc-123","name":"X"},{"identifier":"def-456","name":"Y"}]`)

	b, ok, err := ExtractString(root, "identifier")
	require.NoError(t, err)
	require.True(t, ok)
	assert.False(t, b.List)
	assert.Equal(t, "abc-123", b.Text())
}

func TestExtract_ListModeCollectsEveryMatchInOrder(t *testing.T) {
	root := MustDecode(`[{"field":3},{"field":1},{"other":0},{"field":3}]`)

	b, ok, err := ExtractString(root, "field[]")
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, b.List)
	assert.Equal(t, []string{"3", "1", "3"}, b.Texts())

	first, ok, _ := ExtractString(root, "field")
	require.True(t, ok)
	assert.Equal(t, "3", first.Text())
}

func TestExtract_ListModeOverNObjects(t *testing.T) {
	for _, n := range []int{1, 2, 5, 10} {
		items := make([]Value, n)
		want := make([]string, n)
		for i := 0; i < n; i++ {
			items[i] = Object(Member{"field", Int(int64(i))}, Member{"pad", String("p")})
			want[i] = Int(int64(i)).Text()
		}
		b, ok := Extract(List(items...), Expression{Root: RootDeep, Path: []string{"field"}, List: true})
		require.True(t, ok)
		assert.Equal(t, want, b.Texts())
	}
}

func TestExtract_DeepSearchDescendsIntoNestedObjects(t *testing.T) {
	root := MustDecode(`{"meta":{"total":2},"results":[{"openfda":{"rxcui":["1","2"]}},{"openfda":{"rxcui":["3"]}}]}`)

	b, ok, _ := ExtractString(root, "total")
	require.True(t, ok)
	assert.Equal(t, "2", b.Text())

	b, ok, _ = ExtractString(root, "openfda.rxcui[]")
	require.True(t, ok)
	assert.Equal(t, []string{"1", "2", "3"}, b.Texts())

	b, ok, _ = ExtractString(root, "rxcui")
	require.True(t, ok)
	assert.Equal(t, `["1","2"]`, b.Text())
}

func TestExtract_ListModeDoesNotDescendIntoMatch(t *testing.T) {
	root := MustDecode(`[{"id":1,"children":[{"id":2}]},{"id":3}]`)
	b, _, _ := ExtractString(root, "id[]")
	assert.Equal(t, []string{"1", "3"}, b.Texts())
}

func TestExtract_TopAndIndexRoots(t *testing.T) {
	obj := MustDecode(`{"total":7,"items":[{"id":"a"},{"id":"b"}]}`)
	list := MustDecode(`[{"id":"a"},{"id":"b"}]`)

	b, ok, _ := ExtractString(obj, "$.total")
	require.True(t, ok)
	assert.Equal(t, "7", b.Text())

	_, ok, _ = ExtractString(obj, "$.id")
	assert.False(t, ok, "$. must not search below the top level")

	_, ok, _ = ExtractString(list, "$.id")
	assert.False(t, ok)

	b, ok, _ = ExtractString(list, "$[1].id")
	require.True(t, ok)
	assert.Equal(t, "b", b.Text())

	_, ok, _ = ExtractString(list, "$[5].id")
	assert.False(t, ok)

	b, ok, _ = ExtractString(obj, "$.items[]")
	require.True(t, ok)
	assert.Len(t, b.Values, 2)
	assert.Equal(t, `{"id":"a"}`, b.Values[0].Text())
}

func TestExtract_Misses(t *testing.T) {
	root := MustDecode(`[{"name":"X","id":null}]`)

	_, ok, _ := ExtractString(root, "identifier")
	assert.False(t, ok)

	_, ok, _ = ExtractString(root, "id")
	assert.False(t, ok, "null members count as absent")

	b, ok, _ := ExtractString(root, "identifier[]")
	assert.True(t, ok)
	assert.True(t, b.List)
	assert.Empty(t, b.Values)

	_, ok, _ = ExtractString(Null(), "anything")
	assert.False(t, ok)
}

func TestExtract_DeepSearchStopsAtFirstObjectHoldingField(t *testing.T) {
	root := MustDecode(`[{"id":null,"nested":{"id":7}},{"id":9}]`)

	_, ok, _ := ExtractString(root, "id")
	assert.False(t, ok, "a null field is a miss, not a reason to search its siblings or children")

	b, ok, _ := ExtractString(root, "id[]")
	require.True(t, ok)
	assert.Equal(t, []string{"9"}, b.Texts())

	b, ok, _ = ExtractString(MustDecode(`[{"name":"X"},{"outer":{"id":3}},{"id":4}]`), "id")
	require.True(t, ok)
	assert.Equal(t, "3", b.Text())
}

func TestBinding_Text(t *testing.T) {
	assert.Equal(t, "", Binding{}.Text())
	assert.Equal(t, "x", ScalarBinding(String("x")).Text())
	assert.Equal(t, `["a",1]`, ListBinding(String("a"), Int(1)).Text())
}
