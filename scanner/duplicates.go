package scanner

import (
	"cmp"
	"slices"

	"github.com/mordilloSan/diskexplorer/analysis"
	"github.com/mordilloSan/diskexplorer/indexing/iteminfo"
)

// DuplicateGroup is a set of files with identical content.
type DuplicateGroup struct {
	Hash string `json:"hash"`
	Size int64  `json:"size"`
	// Wasted is the space held by every copy beyond the first.
	Wasted int64    `json:"wasted"`
	Paths  []string `json:"paths"`
}

// SimilarGroup is a set of images whose perceptual hashes are close.
type SimilarGroup struct {
	Paths []string `json:"paths"`
}

// FindDuplicates groups records by content hash, largest waste first.
func FindDuplicates(records []iteminfo.FileRecord) []DuplicateGroup {
	byHash := make(map[string]*DuplicateGroup)
	for _, r := range records {
		if r.IsDirectory || r.Hash == "" {
			continue
		}
		g, ok := byHash[r.Hash]
		if !ok {
			g = &DuplicateGroup{Hash: r.Hash, Size: r.Size}
			byHash[r.Hash] = g
		}
		g.Paths = append(g.Paths, r.Path)
	}

	groups := make([]DuplicateGroup, 0)
	for _, g := range byHash {
		if len(g.Paths) < 2 {
			continue
		}
		slices.Sort(g.Paths)
		g.Wasted = g.Size * int64(len(g.Paths)-1)
		groups = append(groups, *g)
	}
	slices.SortFunc(groups, func(a, b DuplicateGroup) int {
		if c := cmp.Compare(b.Wasted, a.Wasted); c != 0 {
			return c
		}
		return cmp.Compare(a.Paths[0], b.Paths[0])
	})
	return groups
}

// FindSimilarImages clusters images whose perceptual hashes are within
// analysis.SimilarityThreshold of each other. Exact content duplicates are
// included; single images are not.
func FindSimilarImages(records []iteminfo.FileRecord) []SimilarGroup {
	images := make([]iteminfo.FileRecord, 0)
	for _, r := range records {
		if r.PerceptualHash != "" {
			images = append(images, r)
		}
	}

	parent := make([]int, len(images))
	for i := range parent {
		parent[i] = i
	}
	var find func(int) int
	find = func(i int) int {
		if parent[i] != i {
			parent[i] = find(parent[i])
		}
		return parent[i]
	}
	for i := range images {
		for j := i + 1; j < len(images); j++ {
			if analysis.Similar(images[i].PerceptualHash, images[j].PerceptualHash) {
				parent[find(j)] = find(i)
			}
		}
	}

	clusters := make(map[int][]string)
	for i, img := range images {
		root := find(i)
		clusters[root] = append(clusters[root], img.Path)
	}
	groups := make([]SimilarGroup, 0)
	for _, paths := range clusters {
		if len(paths) < 2 {
			continue
		}
		slices.Sort(paths)
		groups = append(groups, SimilarGroup{Paths: paths})
	}
	slices.SortFunc(groups, func(a, b SimilarGroup) int {
		return cmp.Compare(a.Paths[0], b.Paths[0])
	})
	return groups
}
