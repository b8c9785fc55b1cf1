// Package manifest renders the raw transaction manifests of the Radiswap and gumball machine dApps from a session's
// addresses and the values typed by the user. Rendered manifests are handed to the wallet for signing as is: they are
// not compiled nor validated here beyond checking the values substituted.
package manifest

import (
	"bytes"
	"embed"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"text/template"
)

// Kind names a manifest template.
type Kind string

// Manifest kinds.
const (
	CreateResources Kind = "create_resources"
	Instantiate     Kind = "instantiate"
	Swap            Kind = "swap"
	AddLiquidity    Kind = "add_liquidity"
	RemoveLiquidity Kind = "remove_liquidity"

	InstantiateGumballMachine Kind = "instantiate_gumball_machine"
	BuyGumball                Kind = "buy_gumball"
)

// Value keys. Address keys match the names under which a session stores addresses.
const (
	KeyAccount     = "account"
	KeyPackage     = "package"
	KeyBlueprint   = "blueprint"
	KeyComponent   = "component"
	KeyPoolUnit    = "pool_unit"
	KeyResourceA   = "resource_a"
	KeyResourceB   = "resource_b"
	KeyResource    = "resource"
	KeyAmount      = "amount"
	KeyAmountA     = "amount_a"
	KeyAmountB     = "amount_b"
	KeyNameA       = "name_a"
	KeySymbolA     = "symbol_a"
	KeyNameB       = "name_b"
	KeySymbolB     = "symbol_b"
	KeySupply      = "supply"
	KeyDescription = "description"
	KeyPrice       = "price"
	KeyFlavor      = "flavor"
	KeyGumball     = "gumball"
	KeyXRD         = "xrd"
)

// Default values for optional keys.
const (
	BlueprintDefault   = "Radiswap"
	GumballDefault     = "GumballMachine"
	SupplyDefault      = "100000000000"
	DescriptionDefault = "A test token."
)

// Error codes.
var (
	ErrUnknownKind  = errors.New("unknown manifest kind")
	ErrMissingValue = errors.New("missing manifest value")
	ErrBadValue     = errors.New("invalid manifest value")
)

// Values holds the addresses and amounts substituted in a manifest, by key.
type Values map[string]string

//go:embed templates/*.rtm
var files embed.FS

var (
	addressRe = regexp.MustCompile(`^[a-z][a-z0-9_]*1[a-z0-9]+$`)
	decimalRe = regexp.MustCompile(`^[0-9]+(\.[0-9]{1,18})?$`)
	textRe    = regexp.MustCompile(`^[^"\\\n]*$`)
	identRe   = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)
)

type check struct {
	key string
	re  *regexp.Regexp
}

// required lists, per kind, the values that must be given and the shape they must have.
var required = map[Kind][]check{
	CreateResources: {{KeyAccount, addressRe}},
	Instantiate:     {{KeyAccount, addressRe}, {KeyPackage, addressRe}, {KeyResourceA, addressRe}, {KeyResourceB, addressRe}},
	Swap:            {{KeyAccount, addressRe}, {KeyComponent, addressRe}, {KeyResource, addressRe}, {KeyAmount, decimalRe}},
	AddLiquidity: {{KeyAccount, addressRe}, {KeyComponent, addressRe}, {KeyResourceA, addressRe},
		{KeyResourceB, addressRe}, {KeyAmountA, decimalRe}, {KeyAmountB, decimalRe}},
	RemoveLiquidity: {{KeyAccount, addressRe}, {KeyComponent, addressRe}, {KeyPoolUnit, addressRe}, {KeyAmount, decimalRe}},
	InstantiateGumballMachine: {{KeyAccount, addressRe}, {KeyPackage, addressRe}, {KeyPrice, decimalRe},
		{KeyFlavor, textRe}},
	BuyGumball: {{KeyAccount, addressRe}, {KeyComponent, addressRe}, {KeyXRD, addressRe}, {KeyAmount, decimalRe}},
}

// blueprints holds the default blueprint of the kinds calling a package function.
var blueprints = map[Kind]string{
	Instantiate:               BlueprintDefault,
	InstantiateGumballMachine: GumballDefault,
}

// optional values are checked only when given.
var optional = []check{
	{KeyBlueprint, identRe}, {KeyNameA, textRe}, {KeySymbolA, textRe}, {KeyNameB, textRe}, {KeySymbolB, textRe},
	{KeySupply, decimalRe}, {KeyDescription, textRe},
}

var tmpl = template.Must(template.New("manifest").Funcs(template.FuncMap{"withdraw": withdrawOf}).
	ParseFS(files, "templates/*.rtm"))

type token struct {
	Name   string
	Symbol string
}

type withdrawal struct {
	Account  string
	Resource string
	Amount   string
	Bucket   string
}

func withdrawOf(account, resource, amount, bucket string) withdrawal {
	return withdrawal{Account: account, Resource: resource, Amount: amount, Bucket: bucket}
}

// data is the template context.
type data struct {
	Account     string
	Package     string
	Blueprint   string
	Component   string
	PoolUnit    string
	ResourceA   string
	ResourceB   string
	Resource    string
	XRD         string
	Amount      string
	AmountA     string
	AmountB     string
	Supply      string
	Description string
	Price       string
	Flavor      string
	Tokens      []token
}

// Kinds returns the manifest kinds available, sorted.
func Kinds() []Kind {
	kinds := make([]Kind, 0, len(required))
	for k := range required {
		kinds = append(kinds, k)
	}

	sort.Slice(kinds, func(i, j int) bool { return kinds[i] < kinds[j] })

	return kinds
}

// Required returns the keys that must be given to render kind.
func Required(kind Kind) []string {
	keys := make([]string, 0, len(required[kind]))
	for _, c := range required[kind] {
		keys = append(keys, c.key)
	}

	return keys
}

// Render returns the manifest of kind with v substituted. ErrMissingValue or ErrBadValue are returned, naming the
// key, when v lacks a required value or a value does not have the expected shape.
func Render(kind Kind, v Values) (string, error) {
	checks, ok := required[kind]
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownKind, kind)
	}

	for _, c := range checks {
		val := strings.TrimSpace(v[c.key])
		if val == "" {
			return "", fmt.Errorf("%w: %s", ErrMissingValue, c.key)
		}

		if !c.re.MatchString(val) {
			return "", fmt.Errorf("%w: %s=%q", ErrBadValue, c.key, val)
		}
	}

	for _, c := range optional {
		if val := strings.TrimSpace(v[c.key]); val != "" && !c.re.MatchString(val) {
			return "", fmt.Errorf("%w: %s=%q", ErrBadValue, c.key, val)
		}
	}

	get := func(key, def string) string {
		if val := strings.TrimSpace(v[key]); val != "" {
			return val
		}

		return def
	}

	d := data{
		Account:     get(KeyAccount, ""),
		Package:     get(KeyPackage, ""),
		Blueprint:   get(KeyBlueprint, blueprints[kind]),
		Component:   get(KeyComponent, ""),
		PoolUnit:    get(KeyPoolUnit, ""),
		ResourceA:   get(KeyResourceA, ""),
		ResourceB:   get(KeyResourceB, ""),
		Resource:    get(KeyResource, ""),
		XRD:         get(KeyXRD, ""),
		Amount:      get(KeyAmount, ""),
		AmountA:     get(KeyAmountA, ""),
		AmountB:     get(KeyAmountB, ""),
		Supply:      get(KeySupply, SupplyDefault),
		Description: get(KeyDescription, DescriptionDefault),
		Price:       get(KeyPrice, ""),
		Flavor:      get(KeyFlavor, ""),
		Tokens: []token{
			{Name: get(KeyNameA, "Token A"), Symbol: get(KeySymbolA, "A")},
			{Name: get(KeyNameB, "Token B"), Symbol: get(KeySymbolB, "B")},
		},
	}

	var b bytes.Buffer
	if err := tmpl.ExecuteTemplate(&b, string(kind)+".rtm", d); err != nil {
		return "", fmt.Errorf("rendering %s: %w", kind, err)
	}

	return strings.TrimSpace(b.String()) + "\n", nil
}

// created lists, per kind, the session keys bound to the global entities a committed transaction references, in
// the order the gateway reports them. Empty keys skip an entity.
var created = map[Kind][]string{
	CreateResources: {KeyResourceA, KeyResourceB},
	Instantiate:     {KeyComponent, "", KeyPoolUnit},

	InstantiateGumballMachine: {KeyComponent, KeyGumball},
}

// Bind returns the session addresses set by a committed transaction of kind, from the referenced global entities of
// its receipt. Kinds that create nothing return an empty map.
func Bind(kind Kind, entities []string) map[string]string {
	b := make(map[string]string)

	for i, key := range created[kind] {
		if key == "" || i >= len(entities) || !addressRe.MatchString(entities[i]) {
			continue
		}

		b[key] = entities[i]
	}

	return b
}

// ValidAddress reports whether s has the shape of a bech32 ledger address, ie. component_tdx_2_1...
func ValidAddress(s string) bool {
	return addressRe.MatchString(s)
}
