// Package domain define contratos e tipos do rate limit por janela fixa.
//
// Este pacote não depende de net/http nem de um store concreto: o contador pode
// viver no Redis (produção) ou em memória (desenvolvimento e testes).
package domain
