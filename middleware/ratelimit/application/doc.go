// Package application contém a regra do rate limit por janela fixa.
//
// Ele depende apenas do pacote domain e não conhece net/http nem Redis.
// Limited(ctx, store, key, max, window) responde se a requisição deve ser rejeitada;
// Service.Decide devolve a decisão completa (restante, retry-after) para o middleware.
package application
