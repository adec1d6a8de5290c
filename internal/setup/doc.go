// Package setup provides the on-disk layout of adlgen: where compiler
// distributions, image records and scratch directories live.
//
// This package is essentially a collection of scripts and constants, and is therefore the only package that is
// allowed to call a global logger.
package setup
