package flatten

import (
	"errors"
	"fmt"
	"io/fs"
)

// UnknownCategory names categories missing from the menu.
const UnknownCategory = "Autre"

// UnknownCity is the city of stores missing from the directory.
const UnknownCity = "Inconnu"

// StoreInfo is the directory entry of one store.
type StoreInfo struct {
	City       string
	PostalCode string
	Lat        string
	Lng        string
}

// LoadCategories reads the site menu: a tree of items with an id and a
// "nom" or "libelle", nested under "familles" and "sous_familles". A missing
// file yields an empty map.
func LoadCategories(path string) (map[string]string, error) {
	out := map[string]string{}
	if path == "" {
		return out, nil
	}
	root, err := decodeFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return out, nil
	}
	if err != nil {
		return nil, fmt.Errorf("flatten: menu %s: %w", path, err)
	}
	var walk func(items []map[string]any)
	walk = func(items []map[string]any) {
		for _, it := range items {
			id, name := text(it["id"]), first(it, "nom", "libelle")
			if id != "" && name != "" {
				out[id] = clean(name)
			}
			walk(objects(it["familles"]))
			walk(objects(it["sous_familles"]))
		}
	}
	walk(objects(root))
	return out, nil
}

// LoadStores reads the store directory keyed by PL number. A missing file
// yields an empty map.
func LoadStores(path string) (map[string]StoreInfo, error) {
	out := map[string]StoreInfo{}
	if path == "" {
		return out, nil
	}
	root, err := decodeFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return out, nil
	}
	if err != nil {
		return nil, fmt.Errorf("flatten: stores %s: %w", path, err)
	}
	for _, s := range objects(root) {
		key := first(s, "noPL", "id")
		if key == "" {
			continue
		}
		out[key] = StoreInfo{
			City:       clean(first(s, "city", "ville", "name")),
			PostalCode: first(s, "postalCode", "zipCode"),
			Lat:        first(s, "latitude", "lat"),
			Lng:        first(s, "longitude", "lng"),
		}
	}
	return out, nil
}
