package taxonomy

import (
	"os"
	"strings"

	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"
)

// Category is one entry in the domain taxonomy: a detector category mapped
// to a marketplace category id, with the synonyms the detector is known to
// emit for the same kind of object.
type Category struct {
	Name             string   `yaml:"name"`
	DomainCategoryID string   `yaml:"domain_category_id"`
	Synonyms         []string `yaml:"synonyms,omitempty"`
	DefaultCondition string   `yaml:"default_condition,omitempty"`
}

// Taxonomy indexes categories by canonical name and by synonym.
type Taxonomy struct {
	Categories []Category

	byName map[string]*Category
}

// file is the on-disk shape of a taxonomy pack.
type file struct {
	Categories []Category `yaml:"categories"`
}

// Load reads a taxonomy pack from a YAML file.
func Load(path string) (*Taxonomy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrap(err, "taxonomy: read file")
	}
	return Parse(data)
}

// Parse builds a taxonomy from YAML bytes.
func Parse(data []byte) (*Taxonomy, error) {
	var f file
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, eris.Wrap(err, "taxonomy: unmarshal")
	}
	return New(f.Categories), nil
}

// New builds an indexed taxonomy from a category list.
func New(categories []Category) *Taxonomy {
	t := &Taxonomy{
		Categories: categories,
		byName:     make(map[string]*Category, len(categories)*2),
	}
	for i := range t.Categories {
		c := &t.Categories[i]
		t.byName[normalize(c.Name)] = c
		for _, syn := range c.Synonyms {
			key := normalize(syn)
			if _, taken := t.byName[key]; !taken {
				t.byName[key] = c
			}
		}
	}
	return t
}

// Default returns a minimal built-in taxonomy covering the common detector
// categories, used when no taxonomy pack is configured.
func Default() *Taxonomy {
	return New([]Category{
		{Name: "shoe", DomainCategoryID: "93427", Synonyms: []string{"sneaker", "trainer", "boot", "footwear"}},
		{Name: "laptop", DomainCategoryID: "177", Synonyms: []string{"notebook", "macbook", "chromebook"}},
		{Name: "phone", DomainCategoryID: "9355", Synonyms: []string{"smartphone", "mobile", "iphone"}},
		{Name: "book", DomainCategoryID: "261186", Synonyms: []string{"paperback", "hardcover"}},
		{Name: "bag", DomainCategoryID: "169291", Synonyms: []string{"handbag", "backpack", "purse"}},
		{Name: "watch", DomainCategoryID: "31387", Synonyms: []string{"wristwatch", "smartwatch"}},
		{Name: "headphones", DomainCategoryID: "112529", Synonyms: []string{"earbuds", "earphones", "headset"}},
		{Name: "camera", DomainCategoryID: "625", Synonyms: []string{"dslr", "mirrorless", "camcorder"}},
	})
}

// Lookup resolves a detector category or synonym to its taxonomy entry.
func (t *Taxonomy) Lookup(category string) (*Category, bool) {
	c, ok := t.byName[normalize(category)]
	return c, ok
}

// SameCategory reports whether two detector categories refer to the same
// taxonomy entry, either directly or through synonyms. Unknown categories
// match only on exact normalized equality.
func (t *Taxonomy) SameCategory(a, b string) bool {
	na, nb := normalize(a), normalize(b)
	if na == nb {
		return na != ""
	}
	ca, oka := t.byName[na]
	cb, okb := t.byName[nb]
	return oka && okb && ca == cb
}

// DomainCategoryID resolves the marketplace category id for a detector
// category, or "" if unmapped.
func (t *Taxonomy) DomainCategoryID(category string) string {
	if c, ok := t.Lookup(category); ok {
		return c.DomainCategoryID
	}
	return ""
}

func normalize(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}
