package flatten

import (
	"fmt"
	"io"
	"strings"

	"pricesync/pkg/records"
)

// Catalog is the lookup data shared by every store dump.
type Catalog struct {
	Categories map[string]string
	Stores     map[string]StoreInfo
	// Chain prefixes generated store names. Defaults to "Leclerc".
	Chain string
}

// Dump is one decoded per-store file.
type Dump struct {
	PLID, PRID string
	StoreName  string
	Rows       []records.Row
	// Skipped counts products without a usable price.
	Skipped int
}

// splitStoreID splits "PL-PR". An id without a dash is both numbers.
func splitStoreID(id string) (pl, pr string) {
	if id == "" {
		id = "0-0"
	}
	if pl, pr, ok := strings.Cut(id, "-"); ok {
		return pl, pr
	}
	return id, id
}

// ReadDump converts one store dump {id:"PL-PR", p:[{id,n,p,pp,u,img,cat}]}
// into rows, in the order the products appear.
func ReadDump(r io.Reader, cat Catalog) (Dump, error) {
	root, err := decode(r)
	if err != nil {
		return Dump{}, err
	}
	obj, ok := root.(map[string]any)
	if !ok {
		return Dump{}, fmt.Errorf("store dump is %T, want an object", root)
	}

	var d Dump
	d.PLID, d.PRID = splitStoreID(text(obj["id"]))

	chain := cat.Chain
	if chain == "" {
		chain = "Leclerc"
	}
	info, known := cat.Stores[d.PLID]
	city := info.City
	if !known || city == "" {
		city = UnknownCity
	}
	if city == UnknownCity {
		d.StoreName = chain + " " + d.PLID
	} else {
		d.StoreName = chain + " " + city
	}

	for _, p := range objects(obj["p"]) {
		if !present(p["p"]) {
			d.Skipped++
			continue
		}
		catID := text(p["cat"])
		catName, ok := cat.Categories[catID]
		if !ok {
			catName = UnknownCategory
		}
		d.Rows = append(d.Rows, records.Row{
			ProductID:       text(p["id"]),
			Name:            clean(text(p["n"])),
			Price:           text(p["p"]),
			PromoPrice:      text(p["pp"]),
			UnitPrice:       clean(text(p["u"])),
			Image:           text(p["img"]),
			CategoryID:      catID,
			CategoryName:    catName,
			StorePLID:       d.PLID,
			StorePRID:       d.PRID,
			StoreName:       d.StoreName,
			StoreCity:       city,
			StorePostalCode: info.PostalCode,
			StoreLat:        info.Lat,
			StoreLng:        info.Lng,
		})
	}
	return d, nil
}
