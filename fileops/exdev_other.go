//go:build !unix

package fileops

func isEXDEV(error) bool { return false }
