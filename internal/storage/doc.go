// Package storage provides the persistent key-value capability consumed by
// the kernel.
//
// Modules never talk to it directly; the module base synchronizes its
// settings cache through Get/Set under a "<module>_settings" key. Missing
// keys are not an error, and a disabled store leaves modules running with
// whatever they have cached.
package storage
