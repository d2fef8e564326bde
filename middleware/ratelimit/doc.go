// Package ratelimit fornece o adapter HTTP (net/http) do rate limit por janela fixa.
//
// Visão geral (camadas):
//
//   - domain: contratos e tipos (sem net/http)
//   - application: decisão admitir/rejeitar, Limited
//   - infra: contadores no Redis ou em memória, estatísticas
//   - ratelimit (este pacote): middleware HTTP, extração de chave, status/headers
//
// Fluxo por requisição:
//
//  1. Extrai o cliente (?key=, header, X-Forwarded-For ou RemoteAddr) e a ação (rota)
//  2. Incrementa o contador "<ação>:<cliente>" via application
//  3. Se a cota estourou, responde 429 com Retry-After (o que resta da janela)
//  4. Senão chama o próximo handler
//
// Falhas do store não bloqueiam requisições: o middleware registra o erro e admite.
package ratelimit
