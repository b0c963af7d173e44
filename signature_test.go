package dbus

import (
	"reflect"
	"strings"
	"testing"
)

func TestParseSignature(t *testing.T) {
	tests := []struct {
		in    string
		types []string
	}{
		{"", nil},
		{"y", []string{"y"}},
		{"ybnqiuxtdsogh", []string{"y", "b", "n", "q", "i", "u", "x", "t", "d", "s", "o", "g", "h"}},
		{"as", []string{"as"}},
		{"aas", []string{"aas"}},
		{"a{sv}", []string{"a{sv}"}},
		{"a{oa{sa{sv}}}", []string{"a{oa{sa{sv}}}"}},
		{"(ii)", []string{"(ii)"}},
		{"(i(sa{yv}))x", []string{"(i(sa{yv}))", "x"}},
		{"vav", []string{"v", "av"}},
		{"yyyyuua(yv)", []string{"y", "y", "y", "y", "u", "u", "a(yv)"}},
		{strings.Repeat("a", 32) + "y", []string{strings.Repeat("a", 32) + "y"}},
		{strings.Repeat("(", 32) + "y" + strings.Repeat(")", 32), []string{strings.Repeat("(", 32) + "y" + strings.Repeat(")", 32)}},
		{strings.Repeat("a{s", 32) + "y" + strings.Repeat("}", 32), []string{strings.Repeat("a{s", 32) + "y" + strings.Repeat("}", 32)}},
		// Array and struct depths are limited separately.
		{strings.Repeat("a(", 32) + "y" + strings.Repeat(")", 32), []string{strings.Repeat("a(", 32) + "y" + strings.Repeat(")", 32)}},
	}

	for _, tc := range tests {
		sig, err := ParseSignature(tc.in)
		if err != nil {
			t.Errorf("ParseSignature(%q) got err: %v", tc.in, err)
			continue
		}
		if got := sig.String(); got != tc.in {
			t.Errorf("ParseSignature(%q).String() = %q", tc.in, got)
		}
		var got []string
		for _, typ := range sig.Types() {
			got = append(got, typ.String())
		}
		if !reflect.DeepEqual(got, tc.types) {
			t.Errorf("ParseSignature(%q) types = %q, want %q", tc.in, got, tc.types)
		}
		if testing.Verbose() {
			t.Logf("ParseSignature(%q) = %q", tc.in, got)
		}
	}
}

func TestParseSignatureErrors(t *testing.T) {
	tests := []string{
		"a",
		"aa",
		"(",
		"()",
		"(i",
		")",
		"i)",
		"{sv}",
		"a{}",
		"a{s}",
		"a{vs}",
		"a{(i)s}",
		"a{sss}",
		"a{sv",
		"z",
		"Q",
		strings.Repeat("a", 33) + "y",
		strings.Repeat("(", 33) + "y" + strings.Repeat(")", 33),
		strings.Repeat("a{s", 33) + "y" + strings.Repeat("}", 33),
		strings.Repeat("a", 16) + strings.Repeat("a{s", 17) + "y" + strings.Repeat("}", 17),
		strings.Repeat("y", 256),
	}
	for _, in := range tests {
		sig, err := ParseSignature(in)
		if err == nil {
			t.Errorf("ParseSignature(%q) = %q, want error", in, sig)
		} else if testing.Verbose() {
			t.Logf("ParseSignature(%q) = %v", in, err)
		}
	}
}

func TestTypeAccessors(t *testing.T) {
	d := MustParseType("a{sv}")
	if d.Kind() != KindDict {
		t.Fatalf("a{sv} kind = %v, want dict", d.Kind())
	}
	if !d.Key().Equal(TypeString) || !d.Value().Equal(TypeVariant) {
		t.Errorf("a{sv} key/value = %s/%s", d.Key(), d.Value())
	}
	if got := d.Alignment(); got != 4 {
		t.Errorf("a{sv} alignment = %d, want 4", got)
	}

	s := MustParseType("(ybo)")
	if got := len(s.Fields()); got != 3 {
		t.Errorf("(ybo) has %d fields, want 3", got)
	}
	if got := s.Alignment(); got != 8 {
		t.Errorf("(ybo) alignment = %d, want 8", got)
	}
	if !s.Equal(StructOf(TypeByte, TypeBool, TypeObjectPath)) {
		t.Errorf("(ybo) not equal to StructOf(y, b, o)")
	}
	if s.Equal(StructOf(TypeByte, TypeBool)) {
		t.Errorf("(ybo) equal to StructOf(y, b)")
	}

	alignments := map[string]int{
		"y": 1, "g": 1, "v": 1,
		"n": 2, "q": 2,
		"b": 4, "i": 4, "u": 4, "h": 4, "s": 4, "o": 4, "as": 4,
		"x": 8, "t": 8, "d": 8, "(y)": 8,
	}
	for sig, want := range alignments {
		if got := MustParseType(sig).Alignment(); got != want {
			t.Errorf("%s alignment = %d, want %d", sig, got, want)
		}
	}
}

func TestSignatureOf(t *testing.T) {
	got := SignatureOf(
		String("foo"),
		Variant{Int32(1)},
		Array{Elem: TypeObjectPath},
		Dict{KeyType: TypeString, ValueType: TypeVariant},
		Struct{Byte(1), Struct{Bool(true), Double(2)}},
	)
	if want := "svaoa{sv}(y(bd))"; got.String() != want {
		t.Errorf("SignatureOf = %q, want %q", got, want)
	}
}

type simple struct {
	A int16
	B bool
}

type nested struct {
	A byte
	B simple
	c string
}

type skipped struct {
	A string
	B string `dbus:"-"`
	C uint32
}

type recursive struct {
	Next *recursive
}

func TestTypeFor(t *testing.T) {
	tests := []struct {
		in   any
		want string
	}{
		{byte(0), "y"},
		{false, "b"},
		{int16(0), "n"},
		{uint16(0), "q"},
		{int32(0), "i"},
		{uint32(0), "u"},
		{int64(0), "x"},
		{int(0), "x"},
		{uint64(0), "t"},
		{uint(0), "t"},
		{float64(0), "d"},
		{"", "s"},
		{ObjectPath(""), "o"},
		{Signature{}, "g"},
		{UnixFD(0), "h"},
		{[]string{}, "as"},
		{[4]byte{}, "ay"},
		{[][]string{}, "aas"},
		{map[string]int64{}, "a{sx}"},
		{map[string]any{}, "a{sv}"},
		{simple{}, "(nb)"},
		{[]simple{}, "a(nb)"},
		{nested{}, "(y(nb))"},
		{skipped{}, "(su)"},
		{new(int16), "n"},
		{Variant{}, "v"},

		{recursive{}, ""},
		{map[simple]bool{}, ""},
		{map[[2]int64]bool{}, ""},
		{func() int { return 2 }, ""},
		{struct{}{}, ""},
		{make(chan int), ""},
	}

	for _, tc := range tests {
		got, err := TypeFor(reflect.TypeOf(tc.in))
		if tc.want == "" {
			if err == nil {
				t.Errorf("TypeFor(%T) = %s, want error", tc.in, got)
			}
			continue
		}
		if err != nil {
			t.Errorf("TypeFor(%T) got err: %v", tc.in, err)
			continue
		}
		if got.String() != tc.want {
			t.Errorf("TypeFor(%T) = %s, want %s", tc.in, got, tc.want)
		}
	}
}

func TestSignatureCache(t *testing.T) {
	const bad = "a{vs}(((("
	for range 2 {
		if _, err := ParseSignature(bad); err == nil {
			t.Fatalf("ParseSignature(%q) succeeded", bad)
		}
	}
	if _, ok := strToSignature.Load(bad); ok {
		t.Errorf("invalid signature %q was cached", bad)
	}

	const good = "a(sa{sv}ao)"
	if _, err := ParseSignature(good); err != nil {
		t.Fatal(err)
	}
	if _, ok := strToSignature.Load(good); !ok && cachedSignatures.Load() < maxCachedSignatures {
		t.Errorf("valid signature %q was not cached", good)
	}

	before := cachedSignatures.Load()
	for i := range 2 * maxCachedSignatures {
		sig := strings.Repeat("y", i%200+1) + strings.Repeat("s", i/200+1)
		if _, err := ParseSignature(sig); err != nil {
			t.Fatalf("ParseSignature(%q) got err: %v", sig, err)
		}
	}
	if got := cachedSignatures.Load(); got > maxCachedSignatures {
		t.Errorf("signature cache holds %d entries, want at most %d", got, maxCachedSignatures)
	} else if testing.Verbose() {
		t.Logf("signature cache grew from %d to %d entries", before, got)
	}
}
