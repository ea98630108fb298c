// SPDX-License-Identifier: MIT

package main

import "sort"

// Collection describes one satellite collection whose assets can be
// downloaded. The asset map goes from STAC asset key to a label that
// frontends can show to users.
type Collection struct {
	ID             string
	Name           string
	Assets         map[string]string
	Disabled       bool
	DisabledReason string
}

// AssetKeys returns the collection's asset keys in sorted order.
func (c *Collection) AssetKeys() []string {
	keys := make([]string, 0, len(c.Assets))
	for k := range c.Assets {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Catalog is the static set of collections this server is willing to
// serve. It is built once at startup and never mutated afterwards.
type Catalog struct {
	collections map[string]*Collection
	order       []string
}

func NewCatalog(collections []*Collection) *Catalog {
	c := &Catalog{collections: make(map[string]*Collection, len(collections))}
	for _, coll := range collections {
		c.collections[coll.ID] = coll
		c.order = append(c.order, coll.ID)
	}
	return c
}

// Get returns the collection with the given id, or nil.
func (c *Catalog) Get(id string) *Collection {
	return c.collections[id]
}

// All returns all collections in their configured order.
func (c *Catalog) All() []*Collection {
	result := make([]*Collection, 0, len(c.order))
	for _, id := range c.order {
		result = append(result, c.collections[id])
	}
	return result
}

// HasAsset reports whether asset is a downloadable asset of the given
// collection.
func (c *Catalog) HasAsset(collectionID, asset string) bool {
	coll := c.collections[collectionID]
	if coll == nil {
		return false
	}
	_, ok := coll.Assets[asset]
	return ok
}

// DefaultCatalog returns the collections exposed by the server. The
// asset keys match the bands exposed in the map viewer frontend.
func DefaultCatalog() *Catalog {
	return NewCatalog([]*Collection{
		{
			ID:   "sentinel-2-l2a",
			Name: "Sentinel-2 Level-2A",
			Assets: map[string]string{
				"visual": "True Color (RGB)",
				"B02":    "Blue (490nm)",
				"B03":    "Green (560nm)",
				"B04":    "Red (665nm)",
				"B05":    "Red Edge (705nm)",
				"B08":    "NIR (842nm)",
				"B11":    "SWIR (1610nm)",
				"SCL":    "Scene Classification",
			},
		},
		{
			ID:   "landsat-c2-l2",
			Name: "Landsat Collection 2 Level-2",
			Assets: map[string]string{
				"red":      "Red",
				"green":    "Green",
				"blue":     "Blue",
				"nir08":    "NIR",
				"swir16":   "SWIR 1.6μm",
				"lwir11":   "Thermal (LWIR 11μm)",
				"qa_pixel": "Quality Assessment",
			},
		},
		{
			ID:             "sentinel-1-grd",
			Name:           "Sentinel-1 GRD",
			Disabled:       true,
			DisabledReason: "SAR tiles are too large (1.2 GB per band)",
			Assets: map[string]string{
				"vv": "VV Polarization",
				"vh": "VH Polarization",
			},
		},
		{
			ID:             "sentinel-1-rtc",
			Name:           "Sentinel-1 RTC",
			Disabled:       true,
			DisabledReason: "SAR tiles are too large (1.2 GB per band)",
			Assets: map[string]string{
				"vv": "VV Polarization",
				"vh": "VH Polarization",
			},
		},
		{
			ID:   "modis-09A1-061",
			Name: "MODIS Surface Reflectance",
			Assets: map[string]string{
				"sur_refl_b01": "Red (620-670nm)",
				"sur_refl_b02": "NIR (841-876nm)",
				"sur_refl_b03": "Blue (459-479nm)",
				"sur_refl_b04": "Green (545-565nm)",
			},
		},
		{
			ID:   "modis-13Q1-061",
			Name: "MODIS Vegetation Indices",
			Assets: map[string]string{
				"250m_16_days_NDVI": "NDVI",
				"250m_16_days_EVI":  "EVI",
			},
		},
		{
			ID:   "cop-dem-glo-30",
			Name: "Copernicus DEM 30m",
			Assets: map[string]string{
				"data": "Elevation",
			},
		},
	})
}
