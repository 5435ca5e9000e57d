//go:build !debug

package cmd

const debugBuild = false
