// Package dbsession amarra sessões de banco ao ciclo de vida de uma requisição HTTP.
//
// Cada requisição ganha um Scope (disponível via FromContext). O handler pede
// sessões master ou replica sob demanda; no fim da requisição o middleware chama
// Scope.Finish com o status da resposta:
//
//   - master: status >= 400 faz rollback; sucesso faz commit. Sempre fecha.
//   - replica: sempre rollback e close.
//   - banco único (master == replica): a replica é uma visão somente leitura da
//     sessão master e nunca fecha a conexão dela.
//
// A resposta do handler fica em buffer até o Finish, para que uma falha no commit
// ainda vire um 500.
package dbsession
